// Package lock provides named in-process locks.
//
// A Manager is created once per repository and handed to everything that needs it.
// Locks are keyed by strings;
// the Key functions in this package build the keys the rest of the module uses.
package lock

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"
)

// Manager is a set of named mutexes.
// The zero value is not usable; call New.
type Manager struct {
	// FileLockDur is how long a project file lock stays valid without a refresh.
	// Holders refresh it every FileLockDur/2.
	// Zero means one minute.
	FileLockDur time.Duration

	// FilePollInterval is how often a held project file lock is retried.
	// Zero means 100ms.
	FilePollInterval time.Duration

	mu    sync.Mutex
	locks map[string]*entry
}

// entry is a lock's semaphore and the number of holders and waiters using it.
// It is dropped from the map when that number reaches zero.
type entry struct {
	c    chan struct{}
	refs int
}

// New produces a new Manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

func (m *Manager) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{c: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *Manager) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.c
			m.release(key, e)
		})
	}
}

// Lock acquires the lock named key,
// waiting until it is free or ctx is done.
// The returned function releases the lock.
func (m *Manager) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)
	select {
	case e.c <- struct{}{}:
		return m.unlocker(key, e), nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, errors.Wrapf(ctx.Err(), "waiting for lock %s", key)
	}
}

// TryLock acquires the lock named key if it is free.
func (m *Manager) TryLock(key string) (func(), bool) {
	e := m.acquire(key)
	select {
	case e.c <- struct{}{}:
		return m.unlocker(key, e), true
	default:
		m.release(key, e)
		return nil, false
	}
}

// IsLocked tells whether the lock named key is held.
func (m *Manager) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	return ok && len(e.c) > 0
}

// AnyLocked tells whether any lock whose name begins with prefix is held.
func (m *Manager) AnyLocked(prefix string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.locks {
		if strings.HasPrefix(key, prefix) && len(e.c) > 0 {
			return true
		}
	}
	return false
}

// ProjectLock acquires the project's lock.
// If dir is not empty,
// a file lock on dir/project.lock is also taken,
// waiting until ctx is done for another process to release it,
// so that other processes sharing the repository are excluded too.
// The file lock is refreshed for as long as it is held.
func (m *Manager) ProjectLock(ctx context.Context, project, dir string) (func(), error) {
	unlock, err := m.Lock(ctx, ProjectKey(project))
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return unlock, nil
	}

	var (
		path    = filepath.Join(dir, projectLockFile)
		flocker = flock.Locker{LockDur: m.fileLockDur()}
	)
	if err = m.waitFileLock(ctx, flocker, path); err != nil {
		unlock()
		return nil, err
	}

	var (
		done = make(chan struct{})
		wg   sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.fileLockDur() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				flocker.Refresh(path)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			flocker.Unlock(path)
			unlock()
		})
	}, nil
}

func (m *Manager) waitFileLock(ctx context.Context, flocker flock.Locker, path string) error {
	ticker := time.NewTicker(m.filePollInterval())
	defer ticker.Stop()

	for {
		err := flocker.Lock(path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, flock.ErrLocked) {
			return errors.Wrapf(err, "locking %s", path)
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for %s", path)
		case <-ticker.C:
		}
	}
}

func (m *Manager) fileLockDur() time.Duration {
	if m.FileLockDur > 0 {
		return m.FileLockDur
	}
	return time.Minute
}

func (m *Manager) filePollInterval() time.Duration {
	if m.FilePollInterval > 0 {
		return m.FilePollInterval
	}
	return 100 * time.Millisecond
}

const projectLockFile = "project.lock"

// ProjectKey names the lock serializing commits to a project's transaction log.
func ProjectKey(project string) string {
	return "project:" + project
}

// PackageKey names the lock held while a package is being published.
func PackageKey(project, pkg string) string {
	return PackagePrefix(project) + pkg
}

// PackagePrefix is the prefix shared by all package keys of a project.
func PackagePrefix(project string) string {
	return "package:" + project + "/"
}

// ArchiveKey names the lock held while an archive is built.
func ArchiveKey(project, pkg string) string {
	return "archive:" + project + "/" + pkg
}

// BlobKey names the lock guarding writes to one blob directory.
func BlobKey(dir string) string {
	return "blob:" + dir
}
