// Package blob implements the content-addressed file store of a project.
//
// A blob is one version of one file,
// stored at {root}/{path}/{hash}.
// Its bytes are either a full copy in the file "bin"
// or a binary patch in the file "patch"
// (see package delta).
// When both exist, bin is authoritative.
// The directory {root}/{path}/{hash}/packages holds one empty marker file per package using the blob;
// these are the blob's subscribers.
package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/lock"
	"github.com/tetrifact/tetrifact/metrics"
	"github.com/tetrifact/tetrifact/storage"
)

// Interface is the set of blob-store operations the rest of the repository uses.
type Interface interface {
	// Exists tells whether a bin or a patch is stored for path and hash.
	Exists(path, hash string) bool

	HasBinary(path, hash string) bool
	HasPatch(path, hash string) bool

	// Write stores the content of r as a full copy unless a bin or patch already exists,
	// and records subscriber.
	// It returns the number of bytes added to disk,
	// which is zero when the content was already present.
	Write(ctx context.Context, path, hash string, r io.Reader, subscriber string) (int64, error)

	// WritePatch is like Write for a patch.
	WritePatch(ctx context.Context, path, hash string, patch []byte, subscriber string) (int64, error)

	// Promote stores a full copy next to an existing patch.
	Promote(ctx context.Context, path, hash string, r io.Reader) (int64, error)

	Subscribe(ctx context.Context, path, hash, subscriber string) error

	// Unsubscribe removes subscriber's marker.
	// It never removes content,
	// and it is not an error if the marker does not exist.
	Unsubscribe(ctx context.Context, path, hash, subscriber string) error

	Subscribers(path, hash string) ([]string, error)

	// Open reads a full copy,
	// undoing any compression.
	Open(path, hash string) (io.ReadCloser, error)

	ReadPatch(path, hash string) ([]byte, error)

	// Walk calls f for every stored blob.
	Walk(ctx context.Context, f func(path, hash string) error) error

	// Remove deletes a blob that has no subscribers.
	Remove(ctx context.Context, path, hash string) error
}

var _ Interface = &Store{}

// Store is an afero-based blob store.
type Store struct {
	fs       afero.Fs
	root     string
	locks    *lock.Manager
	compress bool
}

// New produces a Store keeping blobs beneath root.
// If compress is true,
// full copies are written in a single-entry zip container.
func New(fs afero.Fs, root string, locks *lock.Manager, compress bool) *Store {
	return &Store{fs: fs, root: root, locks: locks, compress: compress}
}

const (
	binName      = "bin"
	patchName    = "patch"
	packagesName = "packages"
)

// Dir is the directory holding the blob for path and hash.
func (s *Store) Dir(path, hash string) (string, error) {
	if hash == "" || strings.ContainsAny(hash, `/\.`) {
		return "", errors.Errorf("invalid hash %q", hash)
	}
	p, err := storage.SafeJoin(s.root, path)
	if err != nil {
		return "", err
	}
	return filepath.Join(p, hash), nil
}

func (s *Store) HasBinary(path, hash string) bool {
	dir, err := s.Dir(path, hash)
	return err == nil && storage.FileExists(s.fs, filepath.Join(dir, binName))
}

func (s *Store) HasPatch(path, hash string) bool {
	dir, err := s.Dir(path, hash)
	return err == nil && storage.FileExists(s.fs, filepath.Join(dir, patchName))
}

func (s *Store) Exists(path, hash string) bool {
	return s.HasBinary(path, hash) || s.HasPatch(path, hash)
}

func (s *Store) lockDir(ctx context.Context, path, hash string) (string, func(), error) {
	dir, err := s.Dir(path, hash)
	if err != nil {
		return "", nil, err
	}
	unlock, err := s.locks.Lock(ctx, lock.BlobKey(dir))
	if err != nil {
		return "", nil, err
	}
	return dir, unlock, nil
}

func (s *Store) Write(ctx context.Context, path, hash string, r io.Reader, subscriber string) (int64, error) {
	dir, unlock, err := s.lockDir(ctx, path, hash)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	if storage.FileExists(s.fs, filepath.Join(dir, binName)) || storage.FileExists(s.fs, filepath.Join(dir, patchName)) {
		metrics.BlobWrites.WithLabelValues("dedup").Inc()
	} else {
		n, err = s.writeBin(dir, path, r)
		if err != nil {
			return 0, err
		}
		metrics.BlobWrites.WithLabelValues("bin").Inc()
	}
	return n, s.subscribe(dir, subscriber)
}

func (s *Store) WritePatch(ctx context.Context, path, hash string, patch []byte, subscriber string) (int64, error) {
	dir, unlock, err := s.lockDir(ctx, path, hash)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	if storage.FileExists(s.fs, filepath.Join(dir, binName)) || storage.FileExists(s.fs, filepath.Join(dir, patchName)) {
		metrics.BlobWrites.WithLabelValues("dedup").Inc()
	} else {
		target := filepath.Join(dir, patchName)
		err = storage.WriteAtomic(s.fs, target, patch)
		if err != nil {
			return 0, errors.Wrapf(err, "writing patch %s", target)
		}
		n = int64(len(patch))
		metrics.BlobWrites.WithLabelValues("patch").Inc()
		metrics.BlobBytes.Add(float64(n))
	}
	return n, s.subscribe(dir, subscriber)
}

func (s *Store) Promote(ctx context.Context, path, hash string, r io.Reader) (int64, error) {
	dir, unlock, err := s.lockDir(ctx, path, hash)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if storage.FileExists(s.fs, filepath.Join(dir, binName)) {
		return 0, nil
	}
	n, err := s.writeBin(dir, path, r)
	if err != nil {
		return 0, err
	}
	metrics.BlobWrites.WithLabelValues("promote").Inc()
	return n, nil
}

// Dir lock must be held.
func (s *Store) writeBin(dir, path string, r io.Reader) (int64, error) {
	err := s.fs.MkdirAll(dir, 0755)
	if err != nil {
		return 0, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	var (
		target = filepath.Join(dir, binName)
		tmp    = storage.TempName(target)
	)
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", tmp)
	}
	err = s.copyContent(f, path, r)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "closing %s", tmp)
	}
	if err != nil {
		s.fs.Remove(tmp)
		return 0, err
	}

	info, err := s.fs.Stat(tmp)
	if err != nil {
		s.fs.Remove(tmp)
		return 0, errors.Wrapf(err, "statting %s", tmp)
	}
	err = s.fs.Rename(tmp, target)
	if err != nil {
		s.fs.Remove(tmp)
		return 0, errors.Wrapf(err, "renaming %s to %s", tmp, target)
	}
	metrics.BlobBytes.Add(float64(info.Size()))
	return info.Size(), nil
}

func (s *Store) copyContent(w io.Writer, path string, r io.Reader) error {
	if !s.compress {
		_, err := io.Copy(w, r)
		return errors.Wrap(err, "writing content")
	}

	zw := zip.NewWriter(w)
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: storage.ToSlash(path), Method: zip.Deflate})
	if err != nil {
		return errors.Wrap(err, "creating container entry")
	}
	if _, err = io.Copy(entry, r); err != nil {
		return errors.Wrap(err, "compressing content")
	}
	return errors.Wrap(zw.Close(), "closing container")
}

func (s *Store) Subscribe(ctx context.Context, path, hash, subscriber string) error {
	dir, unlock, err := s.lockDir(ctx, path, hash)
	if err != nil {
		return err
	}
	defer unlock()

	if !storage.FileExists(s.fs, filepath.Join(dir, binName)) && !storage.FileExists(s.fs, filepath.Join(dir, patchName)) {
		return tetrifact.FileNotFound(path)
	}
	return s.subscribe(dir, subscriber)
}

// Dir lock must be held.
func (s *Store) subscribe(dir, subscriber string) error {
	marker := filepath.Join(dir, packagesName, tetrifact.Cloak(subscriber))
	err := s.fs.MkdirAll(filepath.Dir(marker), 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring path %s exists", filepath.Dir(marker))
	}
	f, err := s.fs.OpenFile(marker, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating subscription %s", marker)
	}
	return f.Close()
}

func (s *Store) Unsubscribe(ctx context.Context, path, hash, subscriber string) error {
	dir, unlock, err := s.lockDir(ctx, path, hash)
	if err != nil {
		return err
	}
	defer unlock()

	marker := filepath.Join(dir, packagesName, tetrifact.Cloak(subscriber))
	err = s.fs.Remove(marker)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing subscription %s", marker)
	}
	return nil
}

func (s *Store) Subscribers(path, hash string) ([]string, error) {
	dir, err := s.Dir(path, hash)
	if err != nil {
		return nil, err
	}
	names, err := storage.ReadDirNames(s.fs, filepath.Join(dir, packagesName))
	if err != nil {
		return nil, err
	}
	var result []string
	for _, name := range names {
		if storage.IsTemp(name) {
			continue
		}
		sub, err := tetrifact.Decloak(name)
		if err != nil {
			continue
		}
		result = append(result, sub)
	}
	return result, nil
}

var zipMagic = []byte("PK\x03\x04")

func (s *Store) Open(path, hash string) (io.ReadCloser, error) {
	dir, err := s.Dir(path, hash)
	if err != nil {
		return nil, err
	}
	binPath := filepath.Join(dir, binName)
	f, err := s.fs.Open(binPath)
	if os.IsNotExist(err) {
		return nil, tetrifact.FileNotFound(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", binPath)
	}

	rc, err := unwrap(f, storage.ToSlash(path))
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "reading %s", binPath)
	}
	return rc, nil
}

// unwrap returns a reader for the content of f,
// which is either raw
// or a zip container holding exactly one entry named path.
func unwrap(f afero.File, path string) (io.ReadCloser, error) {
	head := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if n < len(zipMagic) || !bytes.Equal(head, zipMagic) {
		return f, nil
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil || len(zr.File) != 1 || zr.File[0].Name != path {
		return f, nil
	}
	entry, err := zr.File[0].Open()
	if err != nil {
		return nil, err
	}
	return &entryReader{ReadCloser: entry, f: f}, nil
}

type entryReader struct {
	io.ReadCloser
	f afero.File
}

func (r *entryReader) Close() error {
	err := r.ReadCloser.Close()
	if ferr := r.f.Close(); err == nil {
		err = ferr
	}
	return err
}

func (s *Store) ReadPatch(path, hash string) ([]byte, error) {
	dir, err := s.Dir(path, hash)
	if err != nil {
		return nil, err
	}
	patchPath := filepath.Join(dir, patchName)
	b, err := afero.ReadFile(s.fs, patchPath)
	if os.IsNotExist(err) {
		return nil, tetrifact.FileNotFound(path)
	}
	return b, errors.Wrapf(err, "reading %s", patchPath)
}

func (s *Store) Walk(ctx context.Context, f func(path, hash string) error) error {
	var (
		seen = make(map[string]bool)
		dirs []string
	)
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		// Every path component of a stored file becomes a directory,
		// so the only regular files are contents and subscription markers.
		var dir string
		switch {
		case info.Name() == binName || info.Name() == patchName:
			dir = filepath.Dir(p)
		case filepath.Base(filepath.Dir(p)) == packagesName && !storage.IsTemp(p):
			dir = filepath.Dir(filepath.Dir(p))
		default:
			return nil
		}
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "walking %s", s.root)
	}

	for _, dir := range dirs {
		rel, err := filepath.Rel(s.root, filepath.Dir(dir))
		if err != nil {
			return errors.Wrapf(err, "relativizing %s", dir)
		}
		err = f(filepath.ToSlash(rel), filepath.Base(dir))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, path, hash string) error {
	dir, unlock, err := s.lockDir(ctx, path, hash)
	if err != nil {
		return err
	}
	defer unlock()

	names, err := storage.ReadDirNames(s.fs, filepath.Join(dir, packagesName))
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return &tetrifact.ConflictError{Reason: "blob " + path + "@" + hash + " has subscribers"}
	}
	err = s.fs.RemoveAll(dir)
	if err != nil {
		return errors.Wrapf(err, "removing %s", dir)
	}
	storage.RemoveEmptyParents(s.fs, filepath.Dir(dir), s.root)
	return nil
}
