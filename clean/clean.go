// Package clean removes storage that no live package needs.
//
// Deleting a package only withdraws its claims:
// its subscriptions, manifest, and transaction pointers.
// The Cleaner reclaims what is left behind,
// along with anything a crashed or failed operation abandoned.
package clean

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/blob"
	"github.com/tetrifact/tetrifact/index"
	"github.com/tetrifact/tetrifact/lock"
	"github.com/tetrifact/tetrifact/metrics"
	"github.com/tetrifact/tetrifact/storage"
	"github.com/tetrifact/tetrifact/txn"
)

// Archives is the archive store the Cleaner purges.
type Archives interface {
	Purge(max int) (int, error)
}

// Config holds what a Cleaner needs.
type Config struct {
	FS    afero.Fs
	Index *index.Index
	Txns  *txn.Log
	Locks *lock.Manager
	Log   zerolog.Logger

	Blobs func(project string) blob.Interface

	// CacheDir is the directory holding a project's rehydration shards.
	CacheDir func(project string) string

	Archives    Archives
	MaxArchives int

	// TempRoot holds publish workspaces.
	TempRoot string

	// Workspaces and uncommitted transactions older than this are abandoned.
	MaxAge time.Duration

	// FileLocks makes project locks also lock a file in the project directory.
	FileLocks bool
}

// Cleaner removes unneeded storage.
type Cleaner struct {
	c Config

	// Now is the clock ages are measured against.
	Now func() time.Time
}

// New produces a Cleaner.
func New(c Config) *Cleaner {
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	return &Cleaner{c: c, Now: time.Now}
}

// Report counts what one project's cleaning removed.
type Report struct {
	Project          string
	Skipped          bool
	Subscriptions    int
	Blobs            int
	Manifests        int
	Shards           int
	Transactions     int
	TempTransactions int
}

// Result counts what a full Clean removed.
type Result struct {
	Projects   []*Report
	Archives   int
	Workspaces int
}

// Clean cleans every project,
// then purges old archives and abandoned workspaces.
// Failure to clean one project is logged and does not stop the others.
func (c *Cleaner) Clean(ctx context.Context) (*Result, error) {
	projects, err := c.c.Index.Projects()
	if err != nil {
		return nil, err
	}

	result := new(Result)
	for _, project := range projects {
		if err = ctx.Err(); err != nil {
			return result, err
		}
		r, err := c.CleanProject(ctx, project)
		if err != nil {
			c.c.Log.Error().Err(err).Str("project", project).Msg("cleaning project")
			continue
		}
		result.Projects = append(result.Projects, r)
	}

	if c.c.Archives != nil {
		result.Archives, err = c.c.Archives.Purge(c.c.MaxArchives)
		if err != nil {
			c.c.Log.Warn().Err(err).Msg("purging archives")
		}
	}

	result.Workspaces, err = c.removeStaleWorkspaces()
	if err != nil {
		c.c.Log.Warn().Err(err).Msg("removing stale workspaces")
	}
	return result, nil
}

// CleanProject cleans one project under its project lock.
// It does nothing while any package of the project is being published.
func (c *Cleaner) CleanProject(ctx context.Context, project string) (*Report, error) {
	report := &Report{Project: project}
	if c.c.Locks.AnyLocked(lock.PackagePrefix(project)) {
		c.c.Log.Warn().Str("project", project).Msg("publish in progress, skipping clean")
		report.Skipped = true
		return report, nil
	}

	var lockDir string
	if c.c.FileLocks {
		lockDir = c.c.Index.ProjectDir(project)
	}
	unlock, err := c.c.Locks.ProjectLock(ctx, project, lockDir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	active, err := c.c.Txns.Active(project)
	if err != nil {
		return nil, err
	}
	live := NewKeep(active.PackageIDs()...)

	if err = c.cleanBlobs(ctx, project, live, report); err != nil {
		return report, err
	}

	history, err := c.c.Txns.RecentHistory(project)
	if err != nil {
		return report, err
	}
	if err = c.cleanManifests(project, active, history, report); err != nil {
		return report, err
	}
	if err = c.cleanShards(project, active, history, report); err != nil {
		return report, err
	}
	if err = c.cleanTransactions(project, report); err != nil {
		return report, err
	}

	metrics.CleanRemoved.WithLabelValues("subscription").Add(float64(report.Subscriptions))
	metrics.CleanRemoved.WithLabelValues("blob").Add(float64(report.Blobs))
	metrics.CleanRemoved.WithLabelValues("manifest").Add(float64(report.Manifests))
	metrics.CleanRemoved.WithLabelValues("shard").Add(float64(report.Shards))
	metrics.CleanRemoved.WithLabelValues("transaction").Add(float64(report.Transactions + report.TempTransactions))
	return report, nil
}

// cleanBlobs withdraws subscriptions of packages that are not live,
// then removes blobs no one subscribes to.
func (c *Cleaner) cleanBlobs(ctx context.Context, project string, live Keep, report *Report) error {
	blobs := c.c.Blobs(project)
	return blobs.Walk(ctx, func(path, hash string) error {
		subs, err := blobs.Subscribers(path, hash)
		if err != nil {
			return err
		}
		remaining := len(subs)
		for _, sub := range subs {
			if live.Contains(sub) {
				continue
			}
			if err = blobs.Unsubscribe(ctx, path, hash, sub); err != nil {
				c.c.Log.Warn().Err(err).Str("path", path).Str("package", sub).Msg("removing subscription, will retry")
				continue
			}
			remaining--
			report.Subscriptions++
		}
		if remaining > 0 {
			return nil
		}
		err = blobs.Remove(ctx, path, hash)
		if errors.Is(err, tetrifact.ErrConflict) {
			return nil
		}
		if err != nil {
			c.c.Log.Warn().Err(err).Str("path", path).Str("hash", hash).Msg("removing blob, will retry")
			return nil
		}
		report.Blobs++
		return nil
	})
}

func (c *Cleaner) cleanManifests(project string, active *txn.Snapshot, history *txn.History, report *Report) error {
	keep := NewKeep()
	keep.AddAll(history.ManifestPointers)
	for _, p := range active.Manifests {
		keep.Add(p)
	}

	pointers, err := c.c.Index.ManifestPointers(project)
	if err != nil {
		return err
	}
	for _, p := range pointers {
		if keep.Contains(p) {
			continue
		}
		if err = c.c.Index.RemoveManifestPointer(project, p); err != nil {
			c.c.Log.Warn().Err(err).Str("project", project).Str("manifest", p).Msg("removing manifest, will retry")
			continue
		}
		report.Manifests++
	}
	return nil
}

func (c *Cleaner) cleanShards(project string, active *txn.Snapshot, history *txn.History, report *Report) error {
	if c.c.CacheDir == nil {
		return nil
	}
	keep := NewKeep()
	keep.AddAll(history.ShardPointers)
	for _, s := range active.Shards {
		keep.Add(s)
	}

	dir := c.c.CacheDir(project)
	shards, err := storage.Subdirs(c.c.FS, dir)
	if err != nil {
		return err
	}
	for _, s := range shards {
		if keep.Contains(s) {
			continue
		}
		p := filepath.Join(dir, s)
		if err = c.c.FS.RemoveAll(p); err != nil {
			c.c.Log.Warn().Err(err).Str("path", p).Msg("removing shard, will retry")
			continue
		}
		report.Shards++
	}
	return nil
}

func (c *Cleaner) cleanTransactions(project string, report *Report) error {
	names, err := c.c.Txns.Transactions(project)
	if err != nil {
		return err
	}
	if depth := c.c.Txns.Depth(); len(names) > depth {
		for _, name := range names[depth:] {
			if err = c.c.Txns.RemoveTransaction(project, name); err != nil {
				c.c.Log.Warn().Err(err).Str("project", project).Str("transaction", name).Msg("removing transaction, will retry")
				continue
			}
			report.Transactions++
		}
	}

	temps, err := c.c.Txns.TempTransactions(project)
	if err != nil {
		return err
	}
	for _, name := range temps {
		if !c.old(c.c.Txns.Path(project, name)) {
			continue
		}
		if err = c.c.Txns.RemoveTransaction(project, name); err != nil {
			c.c.Log.Warn().Err(err).Str("project", project).Str("transaction", name).Msg("removing abandoned transaction, will retry")
			continue
		}
		report.TempTransactions++
	}
	return nil
}

func (c *Cleaner) old(path string) bool {
	info, err := c.c.FS.Stat(path)
	if err != nil {
		return false
	}
	return c.Now().Sub(info.ModTime()) > c.c.MaxAge
}

func (c *Cleaner) removeStaleWorkspaces() (int, error) {
	if c.c.TempRoot == "" {
		return 0, nil
	}
	dirs, err := storage.Subdirs(c.c.FS, c.c.TempRoot)
	if err != nil {
		return 0, err
	}
	var n int
	for _, d := range dirs {
		p := filepath.Join(c.c.TempRoot, d)
		if !c.old(p) {
			continue
		}
		if err = c.c.FS.RemoveAll(p); err != nil && !os.IsNotExist(err) {
			c.c.Log.Warn().Err(err).Str("path", p).Msg("removing stale workspace, will retry")
			continue
		}
		n++
	}
	metrics.CleanRemoved.WithLabelValues("workspace").Add(float64(n))
	return n, nil
}
