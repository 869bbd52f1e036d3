// Package archive builds zip archives of packages on demand.
//
// An archive is built at most once.
// While it is being built,
// a sentinel file with the archive's name plus ".tmp" exists beside it;
// the finished archive appears in a single rename.
// Callers in this process asking for the same archive share one build.
// Callers in other processes,
// and callers arriving after a build has started elsewhere,
// poll for the sentinel to go away.
package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/lock"
	"github.com/tetrifact/tetrifact/metrics"
	"github.com/tetrifact/tetrifact/storage"
)

// Status is the build state of an archive.
type Status int

const (
	NotStarted Status = iota
	Building
	Ready
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Building:
		return "building"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Manifests looks up package manifests.
type Manifests interface {
	GetManifest(ctx context.Context, project, id string) (*tetrifact.Manifest, error)
}

// Files produces the content of package files.
type Files interface {
	Resolve(ctx context.Context, project, id, path string) (io.ReadCloser, error)
}

// Config holds what a Builder needs.
type Config struct {
	FS        afero.Fs
	Root      string
	Manifests Manifests
	Files     Files
	Locks     *lock.Manager
	Log       zerolog.Logger

	// PollInterval is how often a waiting caller checks for a finished archive.
	PollInterval time.Duration

	// WaitTimeout bounds how long a caller waits for another builder.
	WaitTimeout time.Duration

	// StaleAfter is the age beyond which a sentinel with no builder in this process is considered abandoned.
	StaleAfter time.Duration
}

// Builder produces package archives beneath a root directory.
type Builder struct {
	c     Config
	group singleflight.Group
}

// New produces a Builder.
func New(c Config) *Builder {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 10 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return &Builder{c: c}
}

const (
	ext    = ".zip"
	tmpExt = ".tmp"
)

// Path is where the finished archive of a package lives.
func (b *Builder) Path(project, id string) string {
	return filepath.Join(b.c.Root, project+"_"+id+ext)
}

// TempPath is the sentinel present while the archive of a package is being built.
func (b *Builder) TempPath(project, id string) string {
	return b.Path(project, id) + tmpExt
}

// GetAsArchive returns the archive of a package,
// building it first if necessary.
// The caller must close the result.
func (b *Builder) GetAsArchive(ctx context.Context, project, id string) (io.ReadCloser, error) {
	final := b.Path(project, id)
	f, err := b.c.FS.Open(final)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "opening %s", final)
	}

	if _, err = b.c.Manifests.GetManifest(ctx, project, id); err != nil {
		return nil, err
	}

	// The shared build outlives any one caller's cancellation.
	// Waiting on another process's build is still bounded by WaitTimeout.
	ch := b.group.DoChan(project+"\x00"+id, func() (interface{}, error) {
		return nil, b.ensure(context.WithoutCancel(ctx), project, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for archive of %s", id)
	}

	f, err = b.c.FS.Open(final)
	return f, errors.Wrapf(err, "opening %s", final)
}

func (b *Builder) ensure(ctx context.Context, project, id string) error {
	final, tmp := b.Path(project, id), b.TempPath(project, id)

	if storage.FileExists(b.c.FS, final) {
		return nil
	}
	if storage.FileExists(b.c.FS, tmp) {
		if !b.stale(project, id, tmp) {
			return b.wait(ctx, tmp)
		}
		if err := b.c.FS.Remove(tmp); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %s", tmp)
		}
		metrics.ArchiveWaits.WithLabelValues("stale").Inc()
		b.c.Log.Warn().Str("path", tmp).Msg("deleted abandoned temp archive")
	}

	claimed, err := b.claim(ctx, project, id)
	if err != nil {
		return err
	}
	if !claimed {
		// Another process claimed the build.
		return b.wait(ctx, tmp)
	}
	return nil
}

// claim builds the archive if no one else has started to.
// The result is false if the sentinel already existed.
func (b *Builder) claim(ctx context.Context, project, id string) (bool, error) {
	final, tmp := b.Path(project, id), b.TempPath(project, id)

	unlock, err := b.c.Locks.Lock(ctx, lock.ArchiveKey(project, id))
	if err != nil {
		return false, err
	}
	defer unlock()

	if err = b.c.FS.MkdirAll(b.c.Root, 0755); err != nil {
		return false, errors.Wrapf(err, "ensuring path %s exists", b.c.Root)
	}
	sentinel, err := b.c.FS.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "creating %s", tmp)
	}

	err = b.build(ctx, sentinel, project, id)
	if cerr := sentinel.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "closing %s", tmp)
	}
	if err != nil {
		metrics.ArchiveBuilds.WithLabelValues("error").Inc()
		b.c.Log.Error().Err(err).Str("project", project).Str("package", id).Msg("building archive")
		return true, err
	}
	if err = b.c.FS.Rename(tmp, final); err != nil {
		metrics.ArchiveBuilds.WithLabelValues("error").Inc()
		return true, errors.Wrapf(err, "renaming %s to %s", tmp, final)
	}
	metrics.ArchiveBuilds.WithLabelValues("ok").Inc()
	return true, nil
}

// A sentinel is stale if no builder in this process holds the archive lock
// and it has not been written to for StaleAfter.
func (b *Builder) stale(project, id, tmp string) bool {
	if b.c.Locks.IsLocked(lock.ArchiveKey(project, id)) {
		return false
	}
	info, err := b.c.FS.Stat(tmp)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > b.c.StaleAfter
}

func (b *Builder) wait(ctx context.Context, tmp string) error {
	deadline := time.Now().Add(b.c.WaitTimeout)
	ticker := time.NewTicker(b.c.PollInterval)
	defer ticker.Stop()

	for storage.FileExists(b.c.FS, tmp) {
		if time.Now().After(deadline) {
			metrics.ArchiveWaits.WithLabelValues("timeout").Inc()
			return errors.Wrapf(tetrifact.ErrTimeout, "waiting for %s", tmp)
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for %s", tmp)
		case <-ticker.C:
		}
	}
	metrics.ArchiveWaits.WithLabelValues("ok").Inc()
	return nil
}

func (b *Builder) build(ctx context.Context, w io.Writer, project, id string) error {
	m, err := b.c.Manifests.GetManifest(ctx, project, id)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, item := range m.Files {
		if err = b.addFile(ctx, zw, project, id, item, m.CreatedUtc); err != nil {
			return err
		}
	}
	return errors.Wrap(zw.Close(), "finishing archive")
}

func (b *Builder) addFile(ctx context.Context, zw *zip.Writer, project, id string, item tetrifact.ManifestItem, modified time.Time) error {
	r, err := b.c.Files.Resolve(ctx, project, id, item.Path)
	if err != nil {
		return errors.Wrapf(err, "expected package file not found: %s", item.Path)
	}
	defer r.Close()

	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     item.Path,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return errors.Wrapf(err, "adding %s to archive", item.Path)
	}
	_, err = io.Copy(entry, r)
	return errors.Wrapf(err, "writing %s to archive", item.Path)
}

// Status reports the build state of a package's archive.
func (b *Builder) Status(ctx context.Context, project, id string) (Status, error) {
	if _, err := b.c.Manifests.GetManifest(ctx, project, id); err != nil {
		return NotStarted, err
	}
	if storage.FileExists(b.c.FS, b.TempPath(project, id)) {
		return Building, nil
	}
	if storage.FileExists(b.c.FS, b.Path(project, id)) {
		return Ready, nil
	}
	return NotStarted, nil
}

// Remove deletes a package's archive.
// A failure is logged and left for the next Purge.
func (b *Builder) Remove(project, id string) {
	final := b.Path(project, id)
	if err := b.c.FS.Remove(final); err != nil && !os.IsNotExist(err) {
		b.c.Log.Warn().Err(err).Str("path", final).Msg("removing archive, will retry on next purge")
	}
}

// Purge deletes all but the max most recent finished archives.
// It returns the number deleted.
// Archives that cannot be deleted are logged and skipped.
func (b *Builder) Purge(max int) (int, error) {
	infos, err := afero.ReadDir(b.c.FS, b.c.Root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", b.c.Root)
	}

	var archives []os.FileInfo
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), ext) {
			archives = append(archives, info)
		}
	}
	if len(archives) <= max {
		return 0, nil
	}
	sort.SliceStable(archives, func(i, j int) bool {
		return archives[i].ModTime().After(archives[j].ModTime())
	})

	var n int
	for _, info := range archives[max:] {
		path := filepath.Join(b.c.Root, info.Name())
		if err := b.c.FS.Remove(path); err != nil {
			b.c.Log.Warn().Err(err).Str("path", path).Msg("purging archive, assuming in use, will retry on next purge")
			continue
		}
		n++
	}
	metrics.CleanRemoved.WithLabelValues("archive").Add(float64(n))
	return n, nil
}
