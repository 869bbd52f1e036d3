// Package testutil holds fixtures shared by the module's tests.
package testutil

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tetrifact/tetrifact/tags"
)

// Tags permits testing a tags.Service implementation
// by adding and removing tags and checking every read method.
func Tags(ctx context.Context, t *testing.T, s tags.Service) {
	t.Helper()

	add := func(pkg, tag string) {
		if err := s.AddTag(ctx, "proj", pkg, tag); err != nil {
			t.Fatal(err)
		}
	}
	add("p1", "keep")
	add("p1", "release")
	add("p1", "release")
	add("p2", "release")
	if err := s.AddTag(ctx, "other", "p1", "elsewhere"); err != nil {
		t.Fatal(err)
	}

	got, err := s.PackagesThenTags(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{
		"p1": {"keep", "release"},
		"p2": {"release"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PackagesThenTags mismatch (-want +got):\n%s", diff)
	}

	with, err := s.PackagesWithTag(ctx, "proj", "release")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"p1", "p2"}, with); diff != "" {
		t.Errorf("PackagesWithTag mismatch (-want +got):\n%s", diff)
	}

	protected, err := tags.PackageHasProtectedTag(ctx, s, "proj", "p1", []string{"keep"})
	if err != nil {
		t.Fatal(err)
	}
	if !protected {
		t.Error("p1 not protected")
	}
	protected, err = tags.PackageHasProtectedTag(ctx, s, "proj", "p2", []string{"keep"})
	if err != nil {
		t.Fatal(err)
	}
	if protected {
		t.Error("p2 protected")
	}

	if err = s.RemoveTag(ctx, "proj", "p1", "keep"); err != nil {
		t.Fatal(err)
	}
	if err = s.RemoveTag(ctx, "proj", "p1", "never-added"); err != nil {
		t.Fatal(err)
	}
	p1, err := s.TagsOf(ctx, "proj", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"release"}, p1); diff != "" {
		t.Errorf("TagsOf mismatch (-want +got):\n%s", diff)
	}

	if err = s.RemovePackage(ctx, "proj", "p2"); err != nil {
		t.Fatal(err)
	}
	p2, err := s.TagsOf(ctx, "proj", "p2")
	if err != nil {
		t.Fatal(err)
	}
	if len(p2) != 0 {
		t.Errorf("p2 still has tags %v", p2)
	}

	elsewhere, err := s.TagsOf(ctx, "other", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"elsewhere"}, elsewhere); diff != "" {
		t.Errorf("other project mismatch (-want +got):\n%s", diff)
	}
}
