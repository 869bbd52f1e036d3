package delta

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/blob"
	"github.com/tetrifact/tetrifact/lock"
)

func TestDiffApply(t *testing.T) {
	cases := []struct{ base, target string }{
		{"aaa", "aaabbb"},
		{"", "brand new"},
		{"the quick brown fox jumps over the lazy dog", "the quick brown cat jumps over the lazy dog"},
		{strings.Repeat("0123456789", 1000), strings.Repeat("0123456789", 999) + "abcdefghij"},
		{"something", ""},
	}
	for i, c := range cases {
		patch, err := Diff([]byte(c.base), []byte(c.target), "basehash")
		if err != nil {
			t.Fatalf("case %d: %s", i, err)
		}
		got, err := Apply([]byte(c.base), "basehash", patch)
		if err != nil {
			t.Fatalf("case %d: %s", i, err)
		}
		if string(got) != c.target {
			t.Errorf("case %d: got %q, want %q", i, got, c.target)
		}
	}
}

func TestPatchIsSmall(t *testing.T) {
	base := []byte(strings.Repeat("some reasonably long line of build output\n", 500))
	target := append(append([]byte(nil), base...), "one more line\n"...)
	patch, err := Diff(base, target, "h")
	if err != nil {
		t.Fatal(err)
	}
	if len(patch) >= len(target)/10 {
		t.Errorf("patch is %d bytes for a %d-byte target", len(patch), len(target))
	}
}

func TestApplyWrongBase(t *testing.T) {
	patch, err := Diff([]byte("aaa"), []byte("aaabbb"), "h1")
	if err != nil {
		t.Fatal(err)
	}
	recorded, _, err := ParsePatch(patch)
	if err != nil {
		t.Fatal(err)
	}
	if recorded != "h1" {
		t.Errorf("got base hash %s, want h1", recorded)
	}
	if _, err = Apply([]byte("aaa"), "h2", patch); err == nil {
		t.Error("expected error applying patch to the wrong base")
	}
	if _, _, err = ParsePatch([]byte("garbage")); err == nil {
		t.Error("expected error parsing garbage")
	}
}

type testManifests map[string]*tetrifact.Manifest

func (m testManifests) GetManifest(_ context.Context, _, id string) (*tetrifact.Manifest, error) {
	if got, ok := m[id]; ok {
		return got, nil
	}
	return nil, tetrifact.PackageNotFound(id)
}

type testShards map[string]string

func (s testShards) Shards(context.Context, string) (map[string]string, error) {
	return s, nil
}

type fixture struct {
	fs        afero.Fs
	blobs     *blob.Store
	manifests testManifests
	shards    testShards
	r         *Resolver
}

func newFixture() *fixture {
	f := &fixture{
		fs:        afero.NewMemMapFs(),
		manifests: make(testManifests),
		shards:    make(testShards),
	}
	f.blobs = blob.New(f.fs, "/repo", lock.New(), false)
	f.r = NewResolver(f.fs, "/cache", f.manifests, f.shards, func(string) blob.Interface { return f.blobs }, zerolog.Nop())
	return f
}

// publish stores content for id at path, as a patch against pred's version if pred is not empty.
func (f *fixture) publish(t *testing.T, id, pred, path, content string) {
	t.Helper()
	ctx := context.Background()
	hash := fmt.Sprintf("h%d", len(f.manifests))
	if pred == "" {
		if _, err := f.blobs.Write(ctx, path, hash, strings.NewReader(content), id); err != nil {
			t.Fatal(err)
		}
	} else {
		base, err := f.r.ResolveBytes(ctx, "proj", pred, path)
		if err != nil {
			t.Fatal(err)
		}
		item, _ := f.manifests[pred].File(path)
		patch, err := Diff(base, []byte(content), item.Hash)
		if err != nil {
			t.Fatal(err)
		}
		if _, err = f.blobs.WritePatch(ctx, path, hash, patch, id); err != nil {
			t.Fatal(err)
		}
	}
	f.manifests[id] = &tetrifact.Manifest{
		ID:          id,
		Predecessor: pred,
		Files:       []tetrifact.ManifestItem{{Path: path, Hash: hash}},
	}
	f.shards[id] = "shard-" + id
}

func TestResolveChain(t *testing.T) {
	var (
		f       = newFixture()
		ctx     = context.Background()
		content = ""
		want    = make(map[string]string)
		pred    string
	)
	for i := 0; i < 5; i++ {
		content += "some content"
		id := fmt.Sprintf("my package%d", i)
		f.publish(t, id, pred, "folder/file", content)
		want[id] = content
		pred = id
	}

	// Read newest first so the whole chain is walked, then each from the cache.
	for i := 4; i >= 0; i-- {
		id := fmt.Sprintf("my package%d", i)
		rc, err := f.r.Resolve(ctx, "proj", id, "folder/file")
		if err != nil {
			t.Fatal(err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != want[id] {
			t.Errorf("%s: got %q, want %q", id, got, want[id])
		}
	}

	cached, err := afero.ReadFile(f.fs, "/cache/"+tetrifact.Cloak("proj")+"/shard-my package4/folder/file/bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(cached) != want["my package4"] {
		t.Errorf("cache holds %q", cached)
	}

	// Cached results do not depend on the chain any more.
	delete(f.manifests, "my package0")
	got, err := f.r.ResolveBytes(ctx, "proj", "my package4", "folder/file")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte(want["my package4"])) {
		t.Errorf("got %q from cache", got)
	}
}

func TestResolveMissingPredecessor(t *testing.T) {
	f := newFixture()
	f.publish(t, "a", "", "f.txt", "aaa")
	f.publish(t, "b", "a", "f.txt", "aaabbb")
	f.manifests["b"].Predecessor = ""

	_, err := f.r.ResolveBytes(context.Background(), "proj", "b", "f.txt")
	if !errors.Is(err, tetrifact.ErrMissingPredecessor) {
		t.Errorf("got %v, want missing predecessor", err)
	}
	if !errors.Is(err, tetrifact.ErrCorrupt) {
		t.Errorf("got %v, want corrupt", err)
	}
}

func TestResolveNotFound(t *testing.T) {
	f := newFixture()
	f.publish(t, "a", "", "f.txt", "aaa")
	ctx := context.Background()

	_, err := f.r.Resolve(ctx, "proj", "a", "other.txt")
	if !tetrifact.IsNotFound(err, tetrifact.NotFoundFile) {
		t.Errorf("got %v, want file not found", err)
	}
	_, err = f.r.Resolve(ctx, "proj", "nope", "f.txt")
	if !tetrifact.IsNotFound(err, tetrifact.NotFoundPackage) {
		t.Errorf("got %v, want package not found", err)
	}
}
