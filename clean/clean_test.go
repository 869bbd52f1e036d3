package clean

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/blob"
	"github.com/tetrifact/tetrifact/index"
	"github.com/tetrifact/tetrifact/lock"
	"github.com/tetrifact/tetrifact/txn"
)

type fixture struct {
	fs      afero.Fs
	index   *index.Index
	txns    *txn.Log
	locks   *lock.Manager
	blobs   *blob.Store
	cleaner *Cleaner
}

func cacheDir(project string) string {
	return filepath.Join("/cache", tetrifact.Cloak(project))
}

type countingArchives struct {
	max int
}

func (a *countingArchives) Purge(max int) (int, error) {
	a.max = max
	return 0, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	x, err := index.New(fs, "/projects", 8, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err = x.CreateProject("proj"); err != nil {
		t.Fatal(err)
	}
	txns := txn.New(fs, x, 1, zerolog.Nop())
	locks := lock.New()
	blobs := blob.New(fs, x.RepositoryDir("proj"), locks, false)
	c := New(Config{
		FS:          fs,
		Index:       x,
		Txns:        txns,
		Locks:       locks,
		Log:         zerolog.Nop(),
		Blobs:       func(string) blob.Interface { return blobs },
		CacheDir:    cacheDir,
		Archives:    &countingArchives{},
		MaxArchives: 7,
		TempRoot:    "/temp",
		MaxAge:      time.Hour,
	})
	return &fixture{fs: fs, index: x, txns: txns, locks: locks, blobs: blobs, cleaner: c}
}

func (f *fixture) writeManifest(t *testing.T, id string) {
	t.Helper()
	if err := f.index.WriteManifest("proj", &tetrifact.Manifest{ID: id}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) mkdirOld(t *testing.T, dir string, old bool) {
	t.Helper()
	if err := f.fs.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if old {
		mtime := time.Now().Add(-2 * time.Hour)
		f.fs.Chtimes(dir, mtime, mtime)
	}
}

func TestClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"live", "dead", "orphan"} {
		f.writeManifest(t, id)
	}

	tx, err := f.txns.Begin("proj")
	if err != nil {
		t.Fatal(err)
	}
	tx.AddManifest("live", tetrifact.Cloak("live"))
	tx.AddManifest("dead", tetrifact.Cloak("dead"))
	tx.AddShard("live", "s-live")
	tx.AddShard("dead", "s-dead")
	tx.SetHead("dead")
	if _, err = tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, err = f.txns.Begin("proj")
	if err != nil {
		t.Fatal(err)
	}
	tx.Remove("dead")
	tx.SetHead("live")
	if _, err = tx.Commit(); err != nil {
		t.Fatal(err)
	}

	hashA, hashB := "aaaa", "bbbb"
	f.blobs.Write(ctx, "a.txt", hashA, strings.NewReader("a"), "live")
	f.blobs.Write(ctx, "a.txt", hashA, strings.NewReader("a"), "dead")
	f.blobs.Write(ctx, "dir/b.txt", hashB, strings.NewReader("b"), "dead")

	for _, s := range []string{"s-live", "s-dead", "s-orphan"} {
		f.mkdirOld(t, filepath.Join(cacheDir("proj"), s), false)
	}
	f.mkdirOld(t, f.txns.Path("proj", "~1"), true)
	f.mkdirOld(t, f.txns.Path("proj", "~2"), false)
	f.mkdirOld(t, "/temp/stale", true)
	f.mkdirOld(t, "/temp/fresh", false)

	result, err := f.cleaner.Clean(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Projects) != 1 {
		t.Fatalf("cleaned %d projects, want 1", len(result.Projects))
	}
	want := &Report{
		Project:          "proj",
		Subscriptions:    2,
		Blobs:            1,
		Manifests:        2,
		Shards:           2,
		Transactions:     1,
		TempTransactions: 1,
	}
	if diff := cmp.Diff(want, result.Projects[0]); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if result.Workspaces != 1 {
		t.Errorf("removed %d workspaces, want 1", result.Workspaces)
	}
	if got := f.cleaner.c.Archives.(*countingArchives).max; got != 7 {
		t.Errorf("purged archives to %d, want 7", got)
	}

	subs, _ := f.blobs.Subscribers("a.txt", hashA)
	if diff := cmp.Diff([]string{"live"}, subs); diff != "" {
		t.Errorf("subscribers mismatch (-want +got):\n%s", diff)
	}
	if f.blobs.Exists("dir/b.txt", hashB) {
		t.Error("unsubscribed blob survived")
	}
	if _, err = f.index.GetManifest(ctx, "proj", "live"); err != nil {
		t.Errorf("live manifest: %s", err)
	}
	if _, err = f.index.GetManifest(ctx, "proj", "orphan"); !tetrifact.IsNotFound(err, tetrifact.NotFoundPackage) {
		t.Errorf("orphan manifest: got %v, want not found", err)
	}
	shards, _ := afero.ReadDir(f.fs, cacheDir("proj"))
	if len(shards) != 1 || shards[0].Name() != "s-live" {
		t.Errorf("unexpected shards left: %v", shards)
	}

	// Cleaning again finds nothing to do.
	result, err = f.cleaner.Clean(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&Report{Project: "proj"}, result.Projects[0]); diff != "" {
		t.Errorf("second clean mismatch (-want +got):\n%s", diff)
	}
}

func TestSkipDuringPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeManifest(t, "orphan")
	unlock, err := f.locks.Lock(ctx, lock.PackageKey("proj", "new"))
	if err != nil {
		t.Fatal(err)
	}
	report, err := f.cleaner.CleanProject(ctx, "proj")
	unlock()
	if err != nil {
		t.Fatal(err)
	}
	if !report.Skipped {
		t.Error("clean ran during a publish")
	}
	if _, err = f.index.GetManifest(ctx, "proj", "orphan"); err != nil {
		t.Errorf("manifest removed during publish: %s", err)
	}

	report, err = f.cleaner.CleanProject(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped || report.Manifests != 1 {
		t.Errorf("unexpected report after publish %+v", report)
	}
}

func TestKeep(t *testing.T) {
	k := NewKeep("a")
	if k.Add("a") {
		t.Error("re-adding reported new")
	}
	if !k.Add("b") {
		t.Error("adding reported not new")
	}
	k.AddAll(map[string]bool{"c": true, "d": false})
	for name, want := range map[string]bool{"a": true, "b": true, "c": true, "d": false} {
		if got := k.Contains(name); got != want {
			t.Errorf("Contains(%s) = %v", name, got)
		}
	}
}
