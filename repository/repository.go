// Package repository is the outward face of a Tetrifact repository.
//
// A Repository wires the blob store, index, transaction log,
// rehydration engine, archive builder, tag service,
// prune engine, and cleaner together
// according to a config.Settings,
// and exposes the operations an HTTP layer or CLI needs.
package repository

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/archive"
	"github.com/tetrifact/tetrifact/blob"
	"github.com/tetrifact/tetrifact/clean"
	"github.com/tetrifact/tetrifact/config"
	"github.com/tetrifact/tetrifact/delta"
	"github.com/tetrifact/tetrifact/hash"
	"github.com/tetrifact/tetrifact/index"
	"github.com/tetrifact/tetrifact/lock"
	"github.com/tetrifact/tetrifact/prune"
	"github.com/tetrifact/tetrifact/storage"
	"github.com/tetrifact/tetrifact/tags"
	"github.com/tetrifact/tetrifact/txn"
)

// Repository is a package repository.
type Repository struct {
	settings *config.Settings
	fs       afero.Fs
	log      zerolog.Logger

	locks    *lock.Manager
	hasher   *hash.Service
	index    *index.Index
	txns     *txn.Log
	tags     tags.Service
	resolver *delta.Resolver
	archives *archive.Builder
	pruner   *prune.Engine
	cleaner  *clean.Cleaner
}

// New produces a Repository on fs configured by s.
// The tag service is created from s.Tags through the tags registry,
// so the chosen backend's package must be linked in.
func New(ctx context.Context, s *config.Settings, fs afero.Fs, log zerolog.Logger) (*Repository, error) {
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating settings")
	}

	conf := make(map[string]interface{})
	for k, v := range s.Tags {
		conf[k] = v
	}
	if _, ok := conf["root"]; !ok {
		conf["root"] = s.ProjectsPath
	}
	if _, ok := conf["fs"]; !ok {
		conf["fs"] = fs
	}
	tagService, err := tags.Create(ctx, s.TagsType(), conf)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s tag service", s.TagsType())
	}
	return NewWithTags(s, fs, tagService, log)
}

// NewWithTags is like New but uses the given tag service.
func NewWithTags(s *config.Settings, fs afero.Fs, tagService tags.Service, log zerolog.Logger) (*Repository, error) {
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating settings")
	}
	hasher, err := hash.New(s.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	x, err := index.New(fs, s.ProjectsPath, s.ManifestCacheSize, tagService, log)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		settings: s,
		fs:       fs,
		log:      log,
		locks:    lock.New(),
		hasher:   hasher,
		index:    x,
		txns:     txn.New(fs, x, s.TransactionHistoryDepth, log),
		tags:     tagService,
	}
	r.resolver = delta.NewResolver(fs, s.RehydrationPath, x, r.txns, r.blobs, log)
	r.archives = archive.New(archive.Config{
		FS:           fs,
		Root:         s.ArchivePath,
		Manifests:    liveManifests{r},
		Files:        r.resolver,
		Locks:        r.locks,
		Log:          log,
		PollInterval: s.ArchivePollInterval,
		WaitTimeout:  s.ArchiveWaitTimeout,
		StaleAfter:   s.ArchiveStaleAfter,
	})
	r.pruner = prune.New(pruneRepo{r}, tagService, prune.Policy{
		Enabled:          s.Prune.Enabled,
		WeeklyThreshold:  s.Prune.WeeklyThreshold,
		MonthlyThreshold: s.Prune.MonthlyThreshold,
		YearlyThreshold:  s.Prune.YearlyThreshold,
		WeeklyKeep:       s.Prune.WeeklyKeep,
		MonthlyKeep:      s.Prune.MonthlyKeep,
		YearlyKeep:       s.Prune.YearlyKeep,
		ProtectedTags:    s.Prune.ProtectedTags,
	}, log)
	r.cleaner = clean.New(clean.Config{
		FS:          fs,
		Index:       x,
		Txns:        r.txns,
		Locks:       r.locks,
		Log:         log,
		Blobs:       r.blobs,
		CacheDir:    r.resolver.ProjectCacheDir,
		Archives:    r.archives,
		MaxArchives: s.MaxArchives,
		TempRoot:    s.TempPath,
		MaxAge:      s.WorkspaceMaxAge,
		FileLocks:   storage.IsOS(fs),
	})
	return r, nil
}

func (r *Repository) blobs(project string) blob.Interface {
	s := blob.New(r.fs, r.index.RepositoryDir(project), r.locks, r.settings.StorageCompression)
	return blob.NewLogging(s, r.log)
}

// Tags is the repository's tag service.
func (r *Repository) Tags() tags.Service {
	return r.tags
}

// Settings are the repository's settings.
func (r *Repository) Settings() *config.Settings {
	return r.settings
}

// Initialize creates the repository's directories
// and empties its temporary directory.
func (r *Repository) Initialize(ctx context.Context) error {
	if err := r.fs.RemoveAll(r.settings.TempPath); err != nil {
		return errors.Wrapf(err, "emptying %s", r.settings.TempPath)
	}
	for _, dir := range []string{r.settings.ProjectsPath, r.settings.TempPath, r.settings.ArchivePath, r.settings.RehydrationPath} {
		if err := r.fs.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}
	return nil
}

func (r *Repository) projectLock(ctx context.Context, project string) (func(), error) {
	var dir string
	if storage.IsOS(r.fs) {
		dir = r.index.ProjectDir(project)
	}
	return r.locks.ProjectLock(ctx, project, dir)
}

// CreateProject creates a project.
// It is not an error if the project exists.
func (r *Repository) CreateProject(ctx context.Context, project string) error {
	if err := validName(project); err != nil {
		return err
	}
	return r.index.CreateProject(project)
}

// Projects lists the repository's projects in lexical order.
func (r *Repository) Projects(ctx context.Context) ([]string, error) {
	projects, err := r.index.Projects()
	if err != nil {
		return nil, err
	}
	sort.Strings(projects)
	return projects, nil
}

func (r *Repository) active(project string) (*txn.Snapshot, error) {
	if !r.index.ProjectExists(project) {
		return nil, tetrifact.ProjectNotFound(project)
	}
	return r.txns.Active(project)
}

// AllPackageIDs lists the live packages of project in lexical order.
func (r *Repository) AllPackageIDs(ctx context.Context, project string) ([]string, error) {
	s, err := r.active(project)
	if err != nil {
		return nil, err
	}
	return s.PackageIDs(), nil
}

// PackageIDs lists one page of the live packages of project.
// Pages are numbered from zero;
// a pageSize of zero means the configured ListPageSize.
func (r *Repository) PackageIDs(ctx context.Context, project string, pageIndex, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = r.settings.ListPageSize
	}
	if pageIndex < 0 {
		pageIndex = 0
	}
	ids, err := r.AllPackageIDs(ctx, project)
	if err != nil {
		return nil, err
	}
	start := pageIndex * pageSize
	if start >= len(ids) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end], nil
}

// Head is the newest package of project,
// or the empty string if it has none.
func (r *Repository) Head(ctx context.Context, project string) (string, error) {
	s, err := r.active(project)
	if err != nil {
		return "", err
	}
	return s.Head, nil
}

// Manifest is the manifest of a live package.
func (r *Repository) Manifest(ctx context.Context, project, id string) (*tetrifact.Manifest, error) {
	s, err := r.active(project)
	if err != nil {
		return nil, err
	}
	if !s.Has(id) {
		return nil, tetrifact.PackageNotFound(id)
	}
	return r.index.GetManifest(ctx, project, id)
}

// FileResponse is the content of one file.
// The caller must close Content.
type FileResponse struct {
	Path    string
	Hash    string
	Content io.ReadCloser
}

// GetFile reads a file by its file identifier.
func (r *Repository) GetFile(ctx context.Context, project, fileID string) (*FileResponse, error) {
	path, h, err := tetrifact.DecodeFileID(fileID)
	if err != nil {
		return nil, tetrifact.FileNotFound(fileID)
	}
	s, err := r.active(project)
	if err != nil {
		return nil, err
	}

	blobs := r.blobs(project)
	if blobs.HasBinary(path, h) {
		rc, err := blobs.Open(path, h)
		if err != nil {
			return nil, err
		}
		return &FileResponse{Path: path, Hash: h, Content: rc}, nil
	}

	subs, err := blobs.Subscribers(path, h)
	if err != nil {
		return nil, err
	}
	for _, id := range subs {
		if !s.Has(id) {
			continue
		}
		rc, err := r.resolver.Resolve(ctx, project, id, path)
		if err != nil {
			return nil, err
		}
		return &FileResponse{Path: path, Hash: h, Content: rc}, nil
	}
	return nil, tetrifact.FileNotFound(path)
}

// GetPackageFile reads the file at path in package id.
func (r *Repository) GetPackageFile(ctx context.Context, project, id, path string) (*FileResponse, error) {
	m, err := r.Manifest(ctx, project, id)
	if err != nil {
		return nil, err
	}
	path = storage.ToSlash(path)
	item, ok := m.File(path)
	if !ok {
		return nil, tetrifact.FileNotFound(path)
	}
	rc, err := r.resolver.Resolve(ctx, project, id, path)
	if err != nil {
		return nil, err
	}
	return &FileResponse{Path: path, Hash: item.Hash, Content: rc}, nil
}

// GetArchive returns a zip archive of package id,
// building it if necessary.
// The caller must close the result.
func (r *Repository) GetArchive(ctx context.Context, project, id string) (io.ReadCloser, error) {
	return r.archives.GetAsArchive(ctx, project, id)
}

// ArchiveStatus reports the build state of package id's archive.
func (r *Repository) ArchiveStatus(ctx context.Context, project, id string) (archive.Status, error) {
	return r.archives.Status(ctx, project, id)
}

// FindExisting reports which of items are already stored in project,
// so that a client can skip uploading them.
func (r *Repository) FindExisting(ctx context.Context, project string, items []tetrifact.ManifestItem) ([]tetrifact.ManifestItem, error) {
	if !r.index.ProjectExists(project) {
		return nil, tetrifact.ProjectNotFound(project)
	}
	blobs := r.blobs(project)
	var result []tetrifact.ManifestItem
	for _, item := range items {
		if blobs.Exists(storage.ToSlash(item.Path), item.Hash) {
			result = append(result, item)
		}
	}
	return result, nil
}

// Prune applies the retention policy to every project.
func (r *Repository) Prune(ctx context.Context) ([]*prune.Report, error) {
	return r.pruner.Prune(ctx)
}

// Clean removes storage no live package needs.
func (r *Repository) Clean(ctx context.Context) (*clean.Result, error) {
	return r.cleaner.Clean(ctx)
}

// validName rejects project names and package ids that cannot be stored.
func validName(name string) error {
	switch {
	case name == "":
		return errors.New("name is empty")
	case name == "." || name == "..":
		return errors.Errorf("invalid name %q", name)
	case strings.ContainsAny(name, `/\`):
		return errors.Errorf("name %q contains a path separator", name)
	}
	return nil
}

// liveManifests serves manifests of live packages only.
type liveManifests struct {
	r *Repository
}

func (l liveManifests) GetManifest(ctx context.Context, project, id string) (*tetrifact.Manifest, error) {
	return l.r.Manifest(ctx, project, id)
}

// pruneRepo lets the prune engine delete packages regardless of AllowPackageDelete.
type pruneRepo struct {
	r *Repository
}

func (p pruneRepo) Projects(ctx context.Context) ([]string, error) {
	return p.r.Projects(ctx)
}

func (p pruneRepo) AllPackageIDs(ctx context.Context, project string) ([]string, error) {
	return p.r.AllPackageIDs(ctx, project)
}

func (p pruneRepo) Manifest(ctx context.Context, project, id string) (*tetrifact.Manifest, error) {
	return p.r.Manifest(ctx, project, id)
}

func (p pruneRepo) Delete(ctx context.Context, project, id string) error {
	return p.r.deletePackage(ctx, project, id)
}

func (r *Repository) removeCache(project, shard string) {
	if shard == "" {
		return
	}
	dir := r.resolver.CacheDir(project, shard)
	if err := r.fs.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		r.log.Warn().Err(err).Str("path", dir).Msg("removing rehydration cache, will retry on next clean")
	}
}
