package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestLock(t *testing.T) {
	m := New()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsLocked("a") {
		t.Error("a not locked")
	}
	if _, ok := m.TryLock("a"); ok {
		t.Error("TryLock succeeded on held lock")
	}
	if m.IsLocked("b") {
		t.Error("b locked")
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(cctx, "a"); err == nil {
		t.Error("Lock on held lock did not time out")
	}

	unlock()
	if m.IsLocked("a") {
		t.Error("a still locked")
	}
	unlock2, ok := m.TryLock("a")
	if !ok {
		t.Fatal("TryLock failed on free lock")
	}
	unlock2()
}

func TestExclusion(t *testing.T) {
	var (
		m       = New()
		ctx     = context.Background()
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "k")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("saw %d holders at once", maxSeen)
	}
}

func TestAnyLocked(t *testing.T) {
	m := New()
	unlock, _ := m.TryLock(PackageKey("proj", "pkg1"))
	if !m.AnyLocked(PackagePrefix("proj")) {
		t.Error("expected a package lock in proj")
	}
	if m.AnyLocked(PackagePrefix("other")) {
		t.Error("unexpected package lock in other")
	}
	unlock()
	if m.AnyLocked(PackagePrefix("proj")) {
		t.Error("package lock still held")
	}
}

func TestProjectLock(t *testing.T) {
	dir, err := os.MkdirTemp("", "locktest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	m := New()
	unlock, err := m.ProjectLock(context.Background(), "proj", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsLocked(ProjectKey("proj")) {
		t.Error("project not locked")
	}
	unlock()
	if m.IsLocked(ProjectKey("proj")) {
		t.Error("project still locked")
	}
}

func TestLocksForgotten(t *testing.T) {
	m := New()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		unlock, err := m.Lock(ctx, BlobKey(fmt.Sprintf("/repo/f%d/hash", i)))
		if err != nil {
			t.Fatal(err)
		}
		unlock()
	}
	unlock, _ := m.TryLock("held")
	if _, ok := m.TryLock("held"); ok {
		t.Fatal("TryLock succeeded on held lock")
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(cctx, "held"); err == nil {
		t.Fatal("Lock on held lock did not time out")
	}

	if n := len(m.locks); n != 1 {
		t.Errorf("%d lock entries retained, want 1", n)
	}
	unlock()
	unlock()
	if n := len(m.locks); n != 0 {
		t.Errorf("%d lock entries retained after release, want 0", n)
	}
}

func TestProjectLockAcrossManagers(t *testing.T) {
	dir, err := os.MkdirTemp("", "locktest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	var (
		ctx = context.Background()
		a   = &Manager{locks: make(map[string]*entry), FileLockDur: 300 * time.Millisecond, FilePollInterval: 5 * time.Millisecond}
		b   = &Manager{locks: make(map[string]*entry), FileLockDur: 300 * time.Millisecond, FilePollInterval: 5 * time.Millisecond}
	)

	unlockA, err := a.ProjectLock(ctx, "proj", dir)
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan func(), 1)
	go func() {
		unlockB, err := b.ProjectLock(ctx, "proj", dir)
		if err != nil {
			t.Error(err)
			close(acquired)
			return
		}
		acquired <- unlockB
	}()

	// Hold for several lock durations; refreshing must keep b out.
	select {
	case <-acquired:
		t.Fatal("second manager acquired the project lock while the first held it")
	case <-time.After(800 * time.Millisecond):
	}

	unlockA()

	select {
	case unlockB, ok := <-acquired:
		if !ok {
			return
		}
		unlockB()
	case <-time.After(2 * time.Second):
		t.Fatal("second manager never acquired the released project lock")
	}

	unlockA, err = a.ProjectLock(ctx, "proj", dir)
	if err != nil {
		t.Fatal(err)
	}
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := b.ProjectLock(cctx, "proj", dir); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded while the lock is held", err)
	}
	unlockA()
}
