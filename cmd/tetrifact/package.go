package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/tetrifact/tetrifact/repository"
)

func (c maincmd) create(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		project = fset.String("project", "", "project name")
		id      = fset.String("id", "", "package id")
		desc    = fset.String("desc", "", "package description")
		branch  = fset.String("branch", "", "store changes relative to this package instead of the head")
		isZip   = fset.Bool("zip", false, "the single argument is a zip archive of the package")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = requireFlags("project", *project, "id", *id); err != nil {
		return err
	}

	var files []repository.File
	defer func() {
		for _, f := range files {
			f.Content.(io.Closer).Close()
		}
	}()

	for _, arg := range fset.Args() {
		info, err := os.Stat(arg)
		if err != nil {
			return errors.Wrapf(err, "statting %s", arg)
		}
		if !info.IsDir() {
			f, err := os.Open(arg)
			if err != nil {
				return errors.Wrapf(err, "opening %s", arg)
			}
			files = append(files, repository.File{Name: filepath.Base(arg), Content: f})
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(arg, path)
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrapf(err, "opening %s", path)
			}
			files = append(files, repository.File{Name: filepath.ToSlash(rel), Content: f})
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "walking %s", arg)
		}
	}

	res := c.r.CreatePackage(ctx, repository.CreateArgs{
		Project:     *project,
		ID:          *id,
		Description: *desc,
		Files:       files,
		IsArchive:   *isZip,
		Format:      "zip",
		BranchFrom:  *branch,
	})
	if !res.Success {
		return errors.Errorf("%s: %s", res.Kind, res.Message)
	}
	fmt.Printf("%s %s\n", *id, res.PackageHash)
	return nil
}

func (c maincmd) list(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		project = fset.String("project", "", "list packages of this project (default: list projects)")
		page    = fset.Int("page", 0, "page index")
		size    = fset.Int("size", 0, "page size (default: list_page_size)")
		all     = fset.Bool("all", false, "list every package")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	if *project == "" {
		projects, err := c.r.Projects(ctx)
		if err != nil {
			return errors.Wrap(err, "listing projects")
		}
		for _, p := range projects {
			fmt.Println(p)
		}
		return nil
	}

	var ids []string
	if *all {
		ids, err = c.r.AllPackageIDs(ctx, *project)
	} else {
		ids, err = c.r.PackageIDs(ctx, *project, *page, *size)
	}
	if err != nil {
		return errors.Wrapf(err, "listing packages of %s", *project)
	}
	head, err := c.r.Head(ctx, *project)
	if err != nil {
		return errors.Wrapf(err, "getting head of %s", *project)
	}
	for _, id := range ids {
		if id == head {
			fmt.Printf("%s (head)\n", id)
		} else {
			fmt.Println(id)
		}
	}
	return nil
}

func (c maincmd) manifest(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		project = fset.String("project", "", "project name")
		id      = fset.String("id", "", "package id")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = requireFlags("project", *project, "id", *id); err != nil {
		return err
	}

	m, err := c.r.Manifest(ctx, *project, *id)
	if err != nil {
		return errors.Wrapf(err, "getting manifest of %s", *id)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(m), "writing manifest")
}

func (c maincmd) get(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		project = fset.String("project", "", "project name")
		id      = fset.String("id", "", "package id")
		path    = fset.String("path", "", "path of the file in the package")
		fileID  = fset.String("file", "", "file identifier (instead of -id and -path)")
		out     = fset.String("o", "", "output file (default: stdout)")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = requireFlags("project", *project); err != nil {
		return err
	}

	var resp *repository.FileResponse
	switch {
	case *fileID != "":
		resp, err = c.r.GetFile(ctx, *project, *fileID)
	case *id != "" && *path != "":
		resp, err = c.r.GetPackageFile(ctx, *project, *id, *path)
	default:
		return errors.New("must supply -file, or -id and -path")
	}
	if err != nil {
		return errors.Wrap(err, "getting file")
	}
	defer resp.Content.Close()

	return writeOut(*out, resp.Content)
}

func (c maincmd) archive(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		project = fset.String("project", "", "project name")
		id      = fset.String("id", "", "package id")
		out     = fset.String("o", "", "output file (default: stdout)")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = requireFlags("project", *project, "id", *id); err != nil {
		return err
	}

	rc, err := c.r.GetArchive(ctx, *project, *id)
	if err != nil {
		return errors.Wrapf(err, "getting archive of %s", *id)
	}
	defer rc.Close()

	return writeOut(*out, rc)
}

func (c maincmd) status(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		project = fset.String("project", "", "project name")
		id      = fset.String("id", "", "package id")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = requireFlags("project", *project, "id", *id); err != nil {
		return err
	}

	st, err := c.r.ArchiveStatus(ctx, *project, *id)
	if err != nil {
		return errors.Wrapf(err, "getting archive status of %s", *id)
	}
	fmt.Println(st)
	return nil
}

func (c maincmd) delete(ctx context.Context, fset *flag.FlagSet, args []string) error {
	project := fset.String("project", "", "project name")
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = requireFlags("project", *project); err != nil {
		return err
	}
	if fset.NArg() == 0 {
		return errors.New("missing package id")
	}

	for _, id := range fset.Args() {
		if err = c.r.DeletePackage(ctx, *project, id); err != nil {
			return errors.Wrapf(err, "deleting %s", id)
		}
	}
	return nil
}

func (c maincmd) verify(ctx context.Context, fset *flag.FlagSet, args []string) error {
	var (
		project = fset.String("project", "", "project name")
		id      = fset.String("id", "", "package id")
	)
	err := fset.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err = requireFlags("project", *project, "id", *id); err != nil {
		return err
	}

	ok, problems, err := c.r.VerifyPackage(ctx, *project, *id)
	if err != nil {
		return errors.Wrapf(err, "verifying %s", *id)
	}
	if !ok {
		return errors.Errorf("package %s failed verification:\n  %s", *id, strings.Join(problems, "\n  "))
	}
	fmt.Printf("%s ok\n", *id)
	return nil
}

func writeOut(name string, r io.Reader) error {
	if name == "" {
		_, err := io.Copy(os.Stdout, r)
		return errors.Wrap(err, "writing to stdout")
	}
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrapf(err, "creating %s", name)
	}
	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", name)
	}
	return errors.Wrapf(f.Close(), "closing %s", name)
}
