package delta

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/blob"
	"github.com/tetrifact/tetrifact/metrics"
	"github.com/tetrifact/tetrifact/storage"
)

// Manifests looks up package manifests.
type Manifests interface {
	GetManifest(ctx context.Context, project, id string) (*tetrifact.Manifest, error)
}

// Shards maps the live packages of a project to the names of their rehydration cache directories.
type Shards interface {
	Shards(ctx context.Context, project string) (map[string]string, error)
}

// Resolver reads files of packages,
// rebuilding patched files from their predecessors.
type Resolver struct {
	fs        afero.Fs
	cacheRoot string
	manifests Manifests
	shards    Shards
	blobs     func(project string) blob.Interface
	log       zerolog.Logger
}

// NewResolver produces a Resolver caching rebuilt files beneath cacheRoot.
func NewResolver(fs afero.Fs, cacheRoot string, manifests Manifests, shards Shards, blobs func(project string) blob.Interface, log zerolog.Logger) *Resolver {
	return &Resolver{
		fs:        fs,
		cacheRoot: cacheRoot,
		manifests: manifests,
		shards:    shards,
		blobs:     blobs,
		log:       log,
	}
}

// CacheDir is the rehydration cache directory of one package.
func (r *Resolver) CacheDir(project, shard string) string {
	return filepath.Join(r.cacheRoot, tetrifact.Cloak(project), shard)
}

// ProjectCacheDir holds the cache directories of every package in project.
func (r *Resolver) ProjectCacheDir(project string) string {
	return filepath.Join(r.cacheRoot, tetrifact.Cloak(project))
}

// Resolve opens the file at path as it was published in package id.
func (r *Resolver) Resolve(ctx context.Context, project, id, path string) (io.ReadCloser, error) {
	m, err := r.manifests.GetManifest(ctx, project, id)
	if err != nil {
		return nil, err
	}
	item, ok := m.File(path)
	if !ok {
		return nil, tetrifact.FileNotFound(path)
	}
	blobs := r.blobs(project)
	if blobs.HasBinary(path, item.Hash) {
		return blobs.Open(path, item.Hash)
	}
	b, err := r.ResolveBytes(ctx, project, id, path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type step struct {
	id, shard, hash string
}

// ResolveBytes produces the content of the file at path as it was published in package id.
//
// The chain of predecessors is walked back until a package has the file
// in the rehydration cache or as a full copy.
// Patches are then applied forward,
// and every rebuilt version is cached.
func (r *Resolver) ResolveBytes(ctx context.Context, project, id, path string) ([]byte, error) {
	shards, err := r.shards.Shards(ctx, project)
	if err != nil {
		return nil, errors.Wrapf(err, "reading shards of %s", project)
	}

	var (
		blobs    = r.blobs(project)
		chain    []step
		seen     = make(map[string]bool)
		content  []byte
		baseHash string
	)
	for cur := id; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[cur] {
			return nil, &tetrifact.CorruptError{Package: cur, Reason: "predecessor cycle"}
		}
		seen[cur] = true

		m, err := r.manifests.GetManifest(ctx, project, cur)
		if len(chain) > 0 && errors.Is(err, tetrifact.ErrNotFound) {
			last := chain[len(chain)-1].id
			return nil, &tetrifact.CorruptError{Package: last, Reason: "predecessor " + cur + " not found"}
		}
		if err != nil {
			return nil, err
		}
		item, ok := m.File(path)
		if !ok {
			if len(chain) == 0 {
				return nil, tetrifact.FileNotFound(path)
			}
			return nil, &tetrifact.CorruptError{Package: cur, Reason: "no version of " + path + " to patch"}
		}

		s := step{id: cur, shard: shards[cur], hash: item.Hash}
		if b, ok := r.readCache(project, s.shard, path); ok {
			content, baseHash = b, item.Hash
			break
		}
		if blobs.HasBinary(path, item.Hash) {
			content, err = readBlob(blobs, path, item.Hash)
			if err != nil {
				return nil, err
			}
			baseHash = item.Hash
			break
		}
		if !blobs.HasPatch(path, item.Hash) {
			if len(chain) == 0 {
				return nil, tetrifact.FileNotFound(path)
			}
			return nil, &tetrifact.CorruptError{Package: cur, Reason: "content of " + path + " missing"}
		}
		chain = append(chain, s)
		if m.Predecessor == "" {
			return nil, &tetrifact.CorruptError{Package: cur, Err: tetrifact.ErrMissingPredecessor}
		}
		cur = m.Predecessor
	}

	if len(chain) == 0 {
		return content, nil
	}

	for i := len(chain) - 1; i >= 0; i-- {
		s := chain[i]
		patch, err := blobs.ReadPatch(path, s.hash)
		if err != nil {
			return nil, errors.Wrapf(err, "reading patch of %s in %s", path, s.id)
		}
		content, err = Apply(content, baseHash, patch)
		if err != nil {
			return nil, &tetrifact.CorruptError{Package: s.id, Reason: "rebuilding " + path, Err: err}
		}
		r.writeCache(project, s.shard, path, content)
		baseHash = s.hash
	}

	metrics.Rehydrations.Inc()
	metrics.RehydrationDepth.Observe(float64(len(chain)))
	r.log.Debug().Str("project", project).Str("package", id).Str("path", path).Int("depth", len(chain)).Msg("rehydrated")

	return content, nil
}

func readBlob(blobs blob.Interface, path, hash string) ([]byte, error) {
	rc, err := blobs.Open(path, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	return b, errors.Wrapf(err, "reading %s", path)
}

func (r *Resolver) cachePath(project, shard, path string) (string, bool) {
	if shard == "" {
		return "", false
	}
	dir, err := storage.SafeJoin(r.CacheDir(project, shard), path)
	if err != nil {
		return "", false
	}
	return filepath.Join(dir, "bin"), true
}

func (r *Resolver) readCache(project, shard, path string) ([]byte, bool) {
	p, ok := r.cachePath(project, shard, path)
	if !ok {
		return nil, false
	}
	b, err := afero.ReadFile(r.fs, p)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn().Err(err).Str("path", p).Msg("reading rehydration cache")
		}
		return nil, false
	}
	return b, true
}

// Cache writes are best effort.
func (r *Resolver) writeCache(project, shard, path string, content []byte) {
	p, ok := r.cachePath(project, shard, path)
	if !ok {
		return
	}
	err := storage.WriteAtomic(r.fs, p, content)
	if err != nil {
		r.log.Warn().Err(err).Str("path", p).Msg("writing rehydration cache")
	}
}
