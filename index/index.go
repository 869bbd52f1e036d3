// Package index reads and writes package manifests
// and knows where each project's data lives.
package index

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/storage"
	"github.com/tetrifact/tetrifact/tags"
)

const (
	repositoryDir   = "repository"
	manifestsDir    = "manifests"
	transactionsDir = "transactions"

	manifestFile     = "manifest.json"
	manifestHeadFile = "manifest-head.json"
)

// Index is the manifest store of a repository.
// Parsed manifests are kept in a least-recently-used cache.
type Index struct {
	fs    afero.Fs
	root  string
	tags  tags.Reader
	log   zerolog.Logger
	cache *lru.Cache // project/id -> *tetrifact.Manifest
}

// New produces an Index over the projects beneath root.
// If tags is not nil,
// manifests are returned with their tags filled in.
func New(fs afero.Fs, root string, cacheSize int, tags tags.Reader, log zerolog.Logger) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating manifest cache")
	}
	return &Index{fs: fs, root: root, tags: tags, log: log, cache: c}, nil
}

func (x *Index) Root() string { return x.root }

func (x *Index) ProjectDir(project string) string {
	return filepath.Join(x.root, tetrifact.Cloak(project))
}

func (x *Index) RepositoryDir(project string) string {
	return filepath.Join(x.ProjectDir(project), repositoryDir)
}

func (x *Index) ManifestsDir(project string) string {
	return filepath.Join(x.ProjectDir(project), manifestsDir)
}

// ManifestDir is the directory of package id's manifests.
// Its base name is the pointer stored in transactions.
func (x *Index) ManifestDir(project, id string) string {
	return filepath.Join(x.ManifestsDir(project), tetrifact.Cloak(id))
}

func (x *Index) TransactionsDir(project string) string {
	return filepath.Join(x.ProjectDir(project), transactionsDir)
}

// Projects lists the projects in the repository.
func (x *Index) Projects() ([]string, error) {
	dirs, err := storage.Subdirs(x.fs, x.root)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, d := range dirs {
		p, err := tetrifact.Decloak(d)
		if err != nil {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

func (x *Index) ProjectExists(project string) bool {
	return storage.DirExists(x.fs, x.ProjectDir(project))
}

// CreateProject creates the directories of project.
// It is not an error if they exist.
func (x *Index) CreateProject(project string) error {
	for _, dir := range []string{x.RepositoryDir(project), x.ManifestsDir(project), x.TransactionsDir(project)} {
		if err := x.fs.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}
	return nil
}

func cacheKey(project, id string) string {
	return project + "\x00" + id
}

// GetManifest reads the manifest of package id.
// A manifest that cannot be parsed is logged and treated as missing.
func (x *Index) GetManifest(ctx context.Context, project, id string) (*tetrifact.Manifest, error) {
	return x.get(ctx, project, id, manifestFile, true)
}

// GetManifestHead reads the manifest of package id without its file list.
func (x *Index) GetManifestHead(ctx context.Context, project, id string) (*tetrifact.Manifest, error) {
	return x.get(ctx, project, id, manifestHeadFile, false)
}

func (x *Index) get(ctx context.Context, project, id, file string, cached bool) (*tetrifact.Manifest, error) {
	var m *tetrifact.Manifest
	if got, ok := x.cache.Get(cacheKey(project, id)); ok && cached {
		m = got.(*tetrifact.Manifest).Clone()
	} else {
		path := filepath.Join(x.ManifestDir(project, id), file)
		b, err := afero.ReadFile(x.fs, path)
		if os.IsNotExist(err) {
			return nil, tetrifact.PackageNotFound(id)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		m = new(tetrifact.Manifest)
		if err = json.Unmarshal(b, m); err != nil {
			x.log.Error().Err(err).Str("project", project).Str("package", id).Str("path", path).Msg("corrupt manifest")
			return nil, tetrifact.PackageNotFound(id)
		}
		if cached {
			x.cache.Add(cacheKey(project, id), m.Clone())
		}
	}

	if x.tags != nil {
		t, err := x.tags.TagsOf(ctx, project, id)
		if err != nil {
			x.log.Warn().Err(err).Str("project", project).Str("package", id).Msg("reading tags")
		}
		m.Tags = t
	}
	return m, nil
}

// WriteManifest writes m and its head copy.
func (x *Index) WriteManifest(project string, m *tetrifact.Manifest) error {
	dir := x.ManifestDir(project, m.ID)

	stored := m.Clone()
	stored.Tags = nil
	b, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling manifest")
	}
	if err = storage.WriteAtomic(x.fs, filepath.Join(dir, manifestFile), b); err != nil {
		return err
	}

	b, err = json.MarshalIndent(stored.HeadCopy(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling manifest head")
	}
	if err = storage.WriteAtomic(x.fs, filepath.Join(dir, manifestHeadFile), b); err != nil {
		return err
	}

	x.cache.Remove(cacheKey(project, m.ID))
	return nil
}

// RemoveManifest deletes the manifests of package id.
func (x *Index) RemoveManifest(project, id string) error {
	x.cache.Remove(cacheKey(project, id))
	dir := x.ManifestDir(project, id)
	return errors.Wrapf(x.fs.RemoveAll(dir), "removing %s", dir)
}

// Invalidate drops package id from the cache.
func (x *Index) Invalidate(project, id string) {
	x.cache.Remove(cacheKey(project, id))
}

// ManifestPointers lists the manifest directory names of project.
func (x *Index) ManifestPointers(project string) ([]string, error) {
	return storage.Subdirs(x.fs, x.ManifestsDir(project))
}

// RemoveManifestPointer deletes a manifest directory by name.
func (x *Index) RemoveManifestPointer(project, pointer string) error {
	if id, err := tetrifact.Decloak(pointer); err == nil {
		x.cache.Remove(cacheKey(project, id))
	}
	dir := filepath.Join(x.ManifestsDir(project), pointer)
	return errors.Wrapf(x.fs.RemoveAll(dir), "removing %s", dir)
}
