// Package fs implements a tag service as a file hierarchy
// alongside the repository's projects.
//
// A tag is a directory {root}/{project}/tags/{tag}
// holding one empty file per tagged package,
// all names cloaked.
package fs

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/storage"
	"github.com/tetrifact/tetrifact/tags"
)

var _ tags.Service = &Service{}

// Service is a file-based tag service.
type Service struct {
	fs   afero.Fs
	root string
}

// New produces a Service keeping tags beneath root,
// which is normally the repository's projects directory.
func New(fs afero.Fs, root string) *Service {
	return &Service{fs: fs, root: root}
}

func (s *Service) tagsDir(project string) string {
	return filepath.Join(s.root, tetrifact.Cloak(project), "tags")
}

func (s *Service) tagDir(project, tag string) string {
	return filepath.Join(s.tagsDir(project), tetrifact.Cloak(tag))
}

func (s *Service) PackagesThenTags(ctx context.Context, project string) (map[string][]string, error) {
	tagDirs, err := storage.Subdirs(s.fs, s.tagsDir(project))
	if err != nil {
		return nil, err
	}
	result := make(map[string][]string)
	for _, td := range tagDirs {
		tag, err := tetrifact.Decloak(td)
		if err != nil {
			continue
		}
		pkgs, err := s.packages(filepath.Join(s.tagsDir(project), td))
		if err != nil {
			return nil, err
		}
		for _, pkg := range pkgs {
			result[pkg] = append(result[pkg], tag)
		}
	}
	return tags.Sorted(result), nil
}

func (s *Service) TagsOf(ctx context.Context, project, pkg string) ([]string, error) {
	tagDirs, err := storage.Subdirs(s.fs, s.tagsDir(project))
	if err != nil {
		return nil, err
	}
	var result []string
	for _, td := range tagDirs {
		if !storage.FileExists(s.fs, filepath.Join(s.tagsDir(project), td, tetrifact.Cloak(pkg))) {
			continue
		}
		tag, err := tetrifact.Decloak(td)
		if err != nil {
			continue
		}
		result = append(result, tag)
	}
	sort.Strings(result)
	return result, nil
}

func (s *Service) AddTag(ctx context.Context, project, pkg, tag string) error {
	dir := s.tagDir(project, tag)
	err := s.fs.MkdirAll(dir, 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring path %s exists", dir)
	}
	path := filepath.Join(dir, tetrifact.Cloak(pkg))
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	return f.Close()
}

func (s *Service) RemoveTag(ctx context.Context, project, pkg, tag string) error {
	dir := s.tagDir(project, tag)
	path := filepath.Join(dir, tetrifact.Cloak(pkg))
	err := s.fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", path)
	}
	storage.RemoveEmptyParents(s.fs, dir, s.tagsDir(project))
	return nil
}

func (s *Service) RemovePackage(ctx context.Context, project, pkg string) error {
	have, err := s.TagsOf(ctx, project, pkg)
	if err != nil {
		return err
	}
	for _, tag := range have {
		err = s.RemoveTag(ctx, project, pkg, tag)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) PackagesWithTag(ctx context.Context, project, tag string) ([]string, error) {
	return s.packages(s.tagDir(project, tag))
}

func (s *Service) packages(dir string) ([]string, error) {
	names, err := storage.ReadDirNames(s.fs, dir)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, name := range names {
		pkg, err := tetrifact.Decloak(name)
		if err != nil {
			continue
		}
		result = append(result, pkg)
	}
	sort.Strings(result)
	return result, nil
}

func init() {
	tags.Register("fs", func(_ context.Context, conf map[string]interface{}) (tags.Service, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		fs, ok := conf["fs"].(afero.Fs)
		if !ok {
			fs = storage.OS()
		}
		return New(fs, root), nil
	})
}
