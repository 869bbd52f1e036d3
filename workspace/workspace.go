// Package workspace stages the files of a package being published
// and writes them into the blob store.
//
// A Workspace goes through its states in order:
// Initialize creates a staging directory (Staged),
// files are added and written,
// WriteManifest records the result (Published),
// and Dispose removes the staging directory (Disposed).
package workspace

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/blob"
	"github.com/tetrifact/tetrifact/delta"
	"github.com/tetrifact/tetrifact/hash"
	"github.com/tetrifact/tetrifact/index"
	"github.com/tetrifact/tetrifact/storage"
)

// State is the lifecycle state of a Workspace.
type State int

const (
	Uninitialized State = iota
	Staged
	Published
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Staged:
		return "staged"
	case Published:
		return "published"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

// DeltaMode controls when changed files are stored as patches.
type DeltaMode string

const (
	// DeltaAuto stores a patch only when it is smaller than the file.
	DeltaAuto DeltaMode = "auto"

	// DeltaAlways stores a patch whenever the predecessor has a different, non-empty version of the file.
	DeltaAlways DeltaMode = "always"

	// DeltaOff never stores patches.
	DeltaOff DeltaMode = "off"
)

// Predecessor is the package a new package is stored relative to.
type Predecessor struct {
	Manifest *tetrifact.Manifest

	// Resolve produces the predecessor's version of a file.
	Resolve func(ctx context.Context, path string) ([]byte, error)
}

// Config holds what a Workspace needs.
type Config struct {
	FS       afero.Fs
	TempRoot string
	Blobs    blob.Interface
	Hasher   *hash.Service
	Index    *index.Index
	Log      zerolog.Logger
	Compress bool
	Delta    DeltaMode
}

// Workspace is the staging area of one publish.
type Workspace struct {
	c     Config
	dir   string
	state State
	pred  *Predecessor

	mu       sync.Mutex // protects manifest and written
	manifest tetrifact.Manifest
	written  []tetrifact.ManifestItem
}

// New produces an uninitialized Workspace.
func New(c Config) *Workspace {
	if c.Delta == "" {
		c.Delta = DeltaAuto
	}
	return &Workspace{c: c}
}

func (w *Workspace) require(s State) error {
	if w.state != s {
		return errors.Errorf("workspace is %s, not %s", w.state, s)
	}
	return nil
}

// Dir is the workspace's staging directory.
func (w *Workspace) Dir() string {
	return w.dir
}

func (w *Workspace) incoming() string {
	return filepath.Join(w.dir, "incoming")
}

// Initialize creates the staging directory.
func (w *Workspace) Initialize() error {
	if err := w.require(Uninitialized); err != nil {
		return err
	}
	err := w.c.FS.MkdirAll(w.c.TempRoot, 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring path %s exists", w.c.TempRoot)
	}
	for {
		w.dir = filepath.Join(w.c.TempRoot, uuid.NewString())
		err = w.c.FS.Mkdir(w.dir, 0755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return errors.Wrapf(err, "creating %s", w.dir)
		}
	}
	if err = w.c.FS.MkdirAll(w.incoming(), 0755); err != nil {
		return errors.Wrapf(err, "creating %s", w.incoming())
	}
	w.state = Staged
	return nil
}

// AddIncomingFile stages the content of r at relPath.
// Empty files are skipped,
// in which case the result is false.
func (w *Workspace) AddIncomingFile(r io.Reader, relPath string) (bool, error) {
	if err := w.require(Staged); err != nil {
		return false, err
	}
	target, err := storage.SafeJoin(w.incoming(), relPath)
	if err != nil {
		return false, &tetrifact.ConflictError{Reason: err.Error()}
	}
	n, err := w.stage(target, r)
	if err != nil {
		return false, err
	}
	if n == 0 {
		w.c.FS.Remove(target)
		return false, nil
	}
	return true, nil
}

func (w *Workspace) stage(target string, r io.Reader) (int64, error) {
	err := w.c.FS.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return 0, errors.Wrapf(err, "ensuring path %s exists", filepath.Dir(target))
	}
	f, err := w.c.FS.Create(target)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", target)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, errors.Wrapf(err, "staging %s", target)
}

// AddArchiveContent stages every file in the zip archive r.
// Entry names are normalized to forward slashes;
// an entry that would land outside the workspace is an error.
func (w *Workspace) AddArchiveContent(r io.ReaderAt, size int64) error {
	if err := w.require(Staged); err != nil {
		return err
	}
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return errors.Wrap(err, "reading archive")
	}
	for _, f := range zr.File {
		name := storage.ToSlash(f.Name)
		if f.FileInfo().IsDir() || name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		target, err := storage.SafeJoin(w.incoming(), name)
		if err != nil {
			return &tetrifact.ConflictError{Reason: "archive entry " + f.Name + " escapes the package"}
		}
		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "opening archive entry %s", f.Name)
		}
		_, err = w.stage(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// IncomingFileNames lists the staged files as forward-slash relative paths in hashing order.
func (w *Workspace) IncomingFileNames() ([]string, error) {
	var names []string
	root := w.incoming()
	err := afero.Walk(w.c.FS, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", root)
	}
	return hash.OrderForHashing(names), nil
}

// IncomingFileProperties hashes a staged file.
func (w *Workspace) IncomingFileProperties(relPath string) (string, int64, error) {
	f, err := w.openIncoming(relPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return w.c.Hasher.HashBytes(f)
}

func (w *Workspace) openIncoming(relPath string) (afero.File, error) {
	p, err := storage.SafeJoin(w.incoming(), relPath)
	if err != nil {
		return nil, err
	}
	f, err := w.c.FS.Open(p)
	return f, errors.Wrapf(err, "opening %s", p)
}

// SetPredecessor makes changed files eligible for storage as patches against pred.
func (w *Workspace) SetPredecessor(pred *Predecessor) {
	w.pred = pred
}

// WriteFile stores the staged file at path,
// whose content hash is hash,
// on behalf of package packageID,
// and adds it to the manifest.
//
// Content already stored is only subscribed to.
// A patch already stored counts as stored
// only if it was made against the predecessor's version of the file;
// otherwise a full copy is written beside it.
// New content is stored as a patch when the delta mode allows it,
// and as a full copy otherwise.
func (w *Workspace) WriteFile(ctx context.Context, path, hash string, size int64, packageID string) error {
	if err := w.require(Staged); err != nil {
		return err
	}

	var (
		written int64
		err     error
		blobs   = w.c.Blobs
	)
	switch {
	case blobs.HasBinary(path, hash):
		err = blobs.Subscribe(ctx, path, hash, packageID)

	case blobs.HasPatch(path, hash) && w.patchUsable(path, hash):
		err = blobs.Subscribe(ctx, path, hash, packageID)

	case blobs.HasPatch(path, hash):
		written, err = w.writeWith(path, func(r io.Reader) (int64, error) {
			return blobs.Promote(ctx, path, hash, r)
		})
		if err == nil {
			err = blobs.Subscribe(ctx, path, hash, packageID)
		}

	default:
		var patch []byte
		patch, err = w.diff(ctx, path, hash, size)
		if err != nil {
			return err
		}
		if patch != nil {
			written, err = blobs.WritePatch(ctx, path, hash, patch, packageID)
		} else {
			written, err = w.writeWith(path, func(r io.Reader) (int64, error) {
				return blobs.Write(ctx, path, hash, r, packageID)
			})
		}
	}
	if err != nil {
		return errors.Wrapf(err, "storing %s", path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	item := tetrifact.ManifestItem{Path: path, Hash: hash, ID: tetrifact.EncodeFileID(path, hash)}
	w.manifest.Files = append(w.manifest.Files, item)
	w.manifest.Size += size
	w.manifest.SizeOnDisk += written
	w.written = append(w.written, item)
	return nil
}

func (w *Workspace) writeWith(path string, f func(io.Reader) (int64, error)) (int64, error) {
	in, err := w.openIncoming(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return f(in)
}

func (w *Workspace) patchUsable(path, hash string) bool {
	if w.pred == nil {
		return false
	}
	item, ok := w.pred.Manifest.File(path)
	if !ok {
		return false
	}
	patch, err := w.c.Blobs.ReadPatch(path, hash)
	if err != nil {
		return false
	}
	base, _, err := delta.ParsePatch(patch)
	return err == nil && base == item.Hash
}

// diff produces a patch for the staged file at path against the predecessor's version,
// or nil if the file should be stored in full.
func (w *Workspace) diff(ctx context.Context, path, hash string, size int64) ([]byte, error) {
	if w.c.Delta == DeltaOff || w.pred == nil {
		return nil, nil
	}
	item, ok := w.pred.Manifest.File(path)
	if !ok || item.Hash == hash {
		return nil, nil
	}
	base, err := w.pred.Resolve(ctx, path)
	if err != nil {
		w.c.Log.Warn().Err(err).Str("path", path).Str("predecessor", w.pred.Manifest.ID).Msg("reading predecessor version, storing in full")
		return nil, nil
	}
	if len(base) == 0 {
		return nil, nil
	}

	in, err := w.openIncoming(path)
	if err != nil {
		return nil, err
	}
	target, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "reading staged %s", path)
	}

	patch, err := delta.Diff(base, target, item.Hash)
	if err != nil {
		return nil, err
	}
	if w.c.Delta == DeltaAuto && int64(len(patch)) >= size {
		return nil, nil
	}
	return patch, nil
}

// WriteManifest completes the manifest and writes it.
func (w *Workspace) WriteManifest(project, packageID, combinedHash, description string, created time.Time) (*tetrifact.Manifest, error) {
	if err := w.require(Staged); err != nil {
		return nil, err
	}

	w.mu.Lock()
	m := w.manifest.Clone()
	w.mu.Unlock()

	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	m.ID = packageID
	m.Hash = combinedHash
	m.Description = description
	m.CreatedUtc = created.UTC()
	m.IsCompressed = w.c.Compress
	if w.pred != nil {
		m.Predecessor = w.pred.Manifest.ID
	}

	if err := w.c.Index.WriteManifest(project, m); err != nil {
		return nil, errors.Wrap(err, "writing manifest")
	}
	w.state = Published
	return m, nil
}

// Abandon withdraws packageID's subscriptions to everything written so far.
// It is used when a publish fails after storing some of its files.
func (w *Workspace) Abandon(ctx context.Context, packageID string) {
	w.mu.Lock()
	written := append([]tetrifact.ManifestItem(nil), w.written...)
	w.mu.Unlock()

	for _, item := range written {
		if err := w.c.Blobs.Unsubscribe(ctx, item.Path, item.Hash, packageID); err != nil {
			w.c.Log.Warn().Err(err).Str("path", item.Path).Str("package", packageID).Msg("withdrawing subscription")
		}
	}
}

// Dispose removes the staging directory.
// Failure is logged, not returned.
func (w *Workspace) Dispose() {
	if w.state == Disposed || w.dir == "" {
		w.state = Disposed
		return
	}
	if err := w.c.FS.RemoveAll(w.dir); err != nil {
		w.c.Log.Warn().Err(err).Str("path", w.dir).Msg("removing workspace")
	}
	w.state = Disposed
}

// State reports the workspace's lifecycle state.
func (w *Workspace) State() State {
	return w.state
}

// Manifest is a copy of the manifest accumulated so far.
func (w *Workspace) Manifest() *tetrifact.Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest.Clone()
}
