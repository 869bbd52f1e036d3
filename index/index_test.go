package index

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/tags/mem"
)

func TestManifests(t *testing.T) {
	var (
		ctx  = context.Background()
		fs   = afero.NewMemMapFs()
		tags = mem.New()
	)
	x, err := New(fs, "/projects", 4, tags, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err = x.CreateProject("proj"); err != nil {
		t.Fatal(err)
	}
	if !x.ProjectExists("proj") {
		t.Fatal("project does not exist")
	}

	m := &tetrifact.Manifest{
		ID:         "pkg",
		Hash:       "abc",
		CreatedUtc: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Files:      []tetrifact.ManifestItem{{Path: "a", Hash: "1", ID: "x"}},
		Size:       10,
		SizeOnDisk: 10,
	}
	if err = x.WriteManifest("proj", m); err != nil {
		t.Fatal(err)
	}
	tags.AddTag(ctx, "proj", "pkg", "keep")

	got, err := x.GetManifest(ctx, "proj", "pkg")
	if err != nil {
		t.Fatal(err)
	}
	want := m.Clone()
	want.Tags = []string{"keep"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}

	// Mutating the result does not affect the cache.
	got.Files[0].Path = "changed"
	again, _ := x.GetManifest(ctx, "proj", "pkg")
	if again.Files[0].Path != "a" {
		t.Error("cache was mutated through a returned manifest")
	}

	head, err := x.GetManifestHead(ctx, "proj", "pkg")
	if err != nil {
		t.Fatal(err)
	}
	if len(head.Files) != 0 || head.Hash != "abc" {
		t.Errorf("unexpected head %+v", head)
	}

	projects, err := x.Projects()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"proj"}, projects); diff != "" {
		t.Errorf("projects mismatch (-want +got):\n%s", diff)
	}

	if err = x.RemoveManifest("proj", "pkg"); err != nil {
		t.Fatal(err)
	}
	if _, err = x.GetManifest(ctx, "proj", "pkg"); !tetrifact.IsNotFound(err, tetrifact.NotFoundPackage) {
		t.Errorf("got %v after remove, want package not found", err)
	}
}

func TestCorruptManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	x, err := New(fs, "/projects", 4, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	afero.WriteFile(fs, x.ManifestDir("proj", "bad")+"/manifest.json", []byte("{not json"), 0644)

	_, err = x.GetManifest(context.Background(), "proj", "bad")
	if !tetrifact.IsNotFound(err, tetrifact.NotFoundPackage) {
		t.Errorf("got %v, want package not found", err)
	}
}
