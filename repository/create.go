package repository

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/lock"
	"github.com/tetrifact/tetrifact/metrics"
	"github.com/tetrifact/tetrifact/workspace"
)

// CreateErrorKind says why a publish was refused.
type CreateErrorKind int

const (
	NoError CreateErrorKind = iota
	MissingValue
	InvalidName
	PackageExists
	InvalidFileCount
	InvalidArchiveFormat
	InvalidDiffAgainstPackage
	UnexpectedError
)

func (k CreateErrorKind) String() string {
	switch k {
	case NoError:
		return "none"
	case MissingValue:
		return "missing value"
	case InvalidName:
		return "invalid name"
	case PackageExists:
		return "package exists"
	case InvalidFileCount:
		return "invalid file count"
	case InvalidArchiveFormat:
		return "invalid archive format"
	case InvalidDiffAgainstPackage:
		return "invalid diff against package"
	case UnexpectedError:
		return "unexpected error"
	}
	return "unknown"
}

// File is one uploaded file.
type File struct {
	Name    string
	Content io.Reader
}

// CreateArgs describes a package to publish.
type CreateArgs struct {
	Project     string
	ID          string
	Description string
	Files       []File

	// IsArchive says Files holds a single archive whose entries are the package's files.
	IsArchive bool

	// Format is the archive format; only "zip" is supported.
	Format string

	// BranchFrom names the package to store the new one relative to.
	// By default that is the project's head.
	BranchFrom string
}

// CreateResult is the outcome of CreatePackage.
type CreateResult struct {
	Success     bool
	Kind        CreateErrorKind
	Message     string
	PackageHash string
	Manifest    *tetrifact.Manifest
}

func refuse(kind CreateErrorKind, msg string) *CreateResult {
	return &CreateResult{Kind: kind, Message: msg}
}

// CreatePackage publishes a package.
//
// Requests that cannot succeed are refused before anything is written.
// Any other failure is logged and reported as UnexpectedError,
// after withdrawing whatever the publish had stored.
func (r *Repository) CreatePackage(ctx context.Context, args CreateArgs) *CreateResult {
	switch {
	case len(args.Files) == 0:
		return refuse(MissingValue, "files collection is empty")
	case args.ID == "":
		return refuse(MissingValue, "id is required")
	case args.Project == "":
		return refuse(MissingValue, "project is required")
	case args.IsArchive && len(args.Files) != 1:
		return refuse(InvalidFileCount, "an archive upload must be exactly one file")
	case args.IsArchive && args.Format != "zip":
		return refuse(InvalidArchiveFormat, "unsupported archive format "+args.Format)
	}
	if err := validName(args.ID); err != nil {
		return refuse(InvalidName, err.Error())
	}
	if err := validName(args.Project); err != nil {
		return refuse(InvalidName, err.Error())
	}

	if args.BranchFrom != "" && !r.index.ProjectExists(args.Project) {
		return refuse(InvalidDiffAgainstPackage, "package "+args.BranchFrom+" not found")
	}

	m, kind, err := r.create(ctx, args)
	if kind != NoError {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		return refuse(kind, msg)
	}
	if err != nil {
		return r.unexpected(args, err)
	}
	metrics.PackagesCreated.Inc()
	r.log.Info().Str("project", args.Project).Str("package", args.ID).Int("files", len(m.Files)).Int64("size", m.Size).Int64("size_on_disk", m.SizeOnDisk).Msg("created package")
	return &CreateResult{Success: true, PackageHash: m.Hash, Manifest: m}
}

func (r *Repository) unexpected(args CreateArgs, err error) *CreateResult {
	r.log.Error().Err(err).Str("project", args.Project).Str("package", args.ID).Msg("creating package")
	return refuse(UnexpectedError, "unexpected error")
}

func (r *Repository) create(ctx context.Context, args CreateArgs) (*tetrifact.Manifest, CreateErrorKind, error) {
	project, id := args.Project, args.ID

	ws := workspace.New(workspace.Config{
		FS:       r.fs,
		TempRoot: r.settings.TempPath,
		Blobs:    r.blobs(project),
		Hasher:   r.hasher,
		Index:    r.index,
		Log:      r.log,
		Compress: r.settings.StorageCompression,
		Delta:    workspace.DeltaMode(r.settings.DeltaMode),
	})
	if err := ws.Initialize(); err != nil {
		return nil, NoError, err
	}
	defer ws.Dispose()

	if kind, err := stage(ws, args); kind != NoError || err != nil {
		return nil, kind, err
	}
	names, err := ws.IncomingFileNames()
	if err != nil {
		return nil, NoError, err
	}
	if len(names) == 0 {
		return nil, MissingValue, errors.New("package has no non-empty files")
	}

	// The upload is acceptable; only now may an unknown project be created.
	if err = r.index.CreateProject(project); err != nil {
		return nil, NoError, err
	}

	unlock, err := r.projectLock(ctx, project)
	if err != nil {
		return nil, NoError, err
	}
	defer unlock()

	unlockPkg, err := r.locks.Lock(ctx, lock.PackageKey(project, id))
	if err != nil {
		return nil, NoError, err
	}
	defer unlockPkg()

	active, err := r.txns.Active(project)
	if err != nil {
		return nil, NoError, err
	}
	if active.Has(id) {
		return nil, PackageExists, errors.Errorf("package %s exists", id)
	}
	pred := active.Head
	if args.BranchFrom != "" {
		if !active.Has(args.BranchFrom) {
			return nil, InvalidDiffAgainstPackage, errors.Errorf("package %s not found", args.BranchFrom)
		}
		pred = args.BranchFrom
	}

	if pred != "" {
		pm, err := r.index.GetManifest(ctx, project, pred)
		if err != nil {
			return nil, NoError, errors.Wrapf(err, "reading predecessor %s", pred)
		}
		ws.SetPredecessor(&workspace.Predecessor{
			Manifest: pm,
			Resolve: func(ctx context.Context, path string) ([]byte, error) {
				return r.resolver.ResolveBytes(ctx, project, pred, path)
			},
		})
	}

	m, err := r.write(ctx, ws, args, names)
	if err != nil {
		ws.Abandon(ctx, id)
		return nil, NoError, err
	}

	if err = r.commitCreate(project, id, pred); err != nil {
		ws.Abandon(ctx, id)
		if rerr := r.index.RemoveManifest(project, id); rerr != nil {
			r.log.Warn().Err(rerr).Str("project", project).Str("package", id).Msg("removing manifest of failed publish")
		}
		return nil, NoError, err
	}
	return m, NoError, nil
}

func stage(ws *workspace.Workspace, args CreateArgs) (CreateErrorKind, error) {
	if args.IsArchive {
		data, err := io.ReadAll(args.Files[0].Content)
		if err != nil {
			return NoError, errors.Wrap(err, "reading archive upload")
		}
		err = ws.AddArchiveContent(bytes.NewReader(data), int64(len(data)))
		if errors.Is(err, zip.ErrFormat) || errors.Is(err, tetrifact.ErrConflict) {
			return InvalidArchiveFormat, err
		}
		return NoError, err
	}

	for _, f := range args.Files {
		if f.Name == "" {
			return MissingValue, errors.New("file name is required")
		}
		_, err := ws.AddIncomingFile(f.Content, f.Name)
		if errors.Is(err, tetrifact.ErrConflict) {
			return InvalidName, err
		}
		if err != nil {
			return NoError, err
		}
	}
	return NoError, nil
}

// write hashes and stores the staged files concurrently,
// then writes the manifest.
func (r *Repository) write(ctx context.Context, ws *workspace.Workspace, args CreateArgs, names []string) (*tetrifact.Manifest, error) {
	var (
		mu     sync.Mutex
		hashes = make(map[string]string, len(names))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.settings.PublishConcurrency)
	for _, name := range names {
		g.Go(func() error {
			h, size, err := ws.IncomingFileProperties(name)
			if err != nil {
				return err
			}
			if err = ws.WriteFile(gctx, name, h, size, args.ID); err != nil {
				return err
			}
			mu.Lock()
			hashes[name] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	combined := r.hasher.Combined(hashes)
	return ws.WriteManifest(args.Project, args.ID, combined, args.Description, time.Now())
}

func (r *Repository) commitCreate(project, id, pred string) error {
	t, err := r.txns.Begin(project)
	if err != nil {
		return err
	}
	defer t.Abort()

	if err = t.AddManifest(id, tetrifact.Cloak(id)); err != nil {
		return err
	}
	if err = t.AddShard(id, uuid.NewString()+"__"+tetrifact.Cloak(id)); err != nil {
		return err
	}
	if pred != "" {
		if err = t.AddDependency(pred, id); err != nil {
			return err
		}
	}
	if err = t.SetHead(id); err != nil {
		return err
	}
	_, err = t.Commit()
	return err
}
