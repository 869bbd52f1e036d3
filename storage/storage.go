// Package storage holds filesystem helpers shared by the repository's layers.
// Everything goes through an afero.Fs,
// so tests can run against memory.
package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// OS is the real filesystem.
func OS() afero.Fs {
	return afero.NewOsFs()
}

// IsOS tells whether fs is the real filesystem.
func IsOS(fs afero.Fs) bool {
	_, ok := fs.(*afero.OsFs)
	return ok
}

const tmpMarker = ".~tmp"

// IsTemp tells whether name was produced by TempName.
func IsTemp(name string) bool {
	return strings.Contains(filepath.Base(name), tmpMarker)
}

// TempName produces a unique sibling name for path.
func TempName(path string) string {
	return path + tmpMarker + uuid.NewString()
}

// WriteAtomic writes data to path so that readers see either the old content or all of the new.
func WriteAtomic(fs afero.Fs, path string, data []byte) error {
	return WriteReaderAtomic(fs, path, bytes.NewReader(data))
}

// WriteReaderAtomic is WriteAtomic for a stream.
func WriteReaderAtomic(fs afero.Fs, path string, r io.Reader) error {
	_, err := CopyAtomic(fs, path, r)
	return err
}

// CopyAtomic is WriteReaderAtomic that also reports the number of bytes written.
func CopyAtomic(fs afero.Fs, path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	err := fs.MkdirAll(dir, 0755)
	if err != nil {
		return 0, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	tmp := TempName(path)
	f, err := fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", tmp)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		fs.Remove(tmp)
		return n, errors.Wrapf(err, "writing %s", tmp)
	}
	err = f.Close()
	if err != nil {
		fs.Remove(tmp)
		return n, errors.Wrapf(err, "closing %s", tmp)
	}
	err = fs.Rename(tmp, path)
	if err != nil {
		fs.Remove(tmp)
		return n, errors.Wrapf(err, "renaming %s to %s", tmp, path)
	}
	return n, nil
}

// Exists tells whether path exists.
// Errors other than not-existing are treated as existing.
func Exists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(path)
	return err == nil || !os.IsNotExist(err)
}

// FileExists tells whether path exists and is not a directory.
func FileExists(fs afero.Fs, path string) bool {
	info, err := fs.Stat(path)
	return err == nil && !info.IsDir()
}

// DirExists tells whether path is a directory.
func DirExists(fs afero.Fs, path string) bool {
	ok, err := afero.DirExists(fs, path)
	return err == nil && ok
}

// ReadDirNames lists the names in dir in lexical order.
// A missing dir has no names.
func ReadDirNames(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading dir %s", dir)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

// Subdirs lists the subdirectory names of dir in lexical order.
func Subdirs(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading dir %s", dir)
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() {
			names = append(names, info.Name())
		}
	}
	return names, nil
}

// RemoveEmptyParents removes dir and then each of its parents,
// stopping at the first one that is not empty or at stop.
func RemoveEmptyParents(fs afero.Fs, dir, stop string) {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop && strings.HasPrefix(dir, stop); dir = filepath.Dir(dir) {
		empty, err := afero.IsEmpty(fs, dir)
		if err != nil || !empty {
			return
		}
		if fs.Remove(dir) != nil {
			return
		}
	}
}

// ToSlash normalizes a package-relative path to forward slashes without a leading slash.
func ToSlash(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimLeft(p, "/")
}

// SafeJoin joins root and the forward-slash relative path rel,
// refusing results that escape root.
func SafeJoin(root, rel string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(ToSlash(rel)))
	r := filepath.Clean(root)
	if joined == r || !strings.HasPrefix(joined, r+string(filepath.Separator)) {
		return "", errors.Errorf("path %s escapes %s", rel, root)
	}
	return joined, nil
}
