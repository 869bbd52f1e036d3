package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/archive"
	"github.com/tetrifact/tetrifact/config"
	_ "github.com/tetrifact/tetrifact/tags/fs"
	"github.com/tetrifact/tetrifact/tags/mem"
)

func testSettings() *config.Settings {
	s := config.Default()
	s.ProjectsPath = "/data/projects"
	s.TempPath = "/data/temp"
	s.ArchivePath = "/data/archives"
	s.RehydrationPath = "/data/rehydrate"
	s.ArchivePollInterval = 10 * time.Millisecond
	s.ArchiveWaitTimeout = time.Second
	s.DeltaMode = "always"
	s.PublishConcurrency = 4
	return s
}

func withTestRepo(t *testing.T, modify func(*config.Settings), f func(context.Context, *Repository)) {
	t.Helper()

	s := testSettings()
	if modify != nil {
		modify(s)
	}
	r, err := NewWithTags(s, afero.NewMemMapFs(), mem.New(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err = r.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	f(ctx, r)
}

func files(m map[string]string) []File {
	var names []string
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	var result []File
	for _, name := range names {
		result = append(result, File{Name: name, Content: strings.NewReader(m[name])})
	}
	return result
}

func mustCreate(ctx context.Context, t *testing.T, r *Repository, id string, content map[string]string) *tetrifact.Manifest {
	t.Helper()
	res := r.CreatePackage(ctx, CreateArgs{Project: "proj", ID: id, Files: files(content)})
	if !res.Success {
		t.Fatalf("creating %s: %s (%s)", id, res.Kind, res.Message)
	}
	return res.Manifest
}

func readFile(ctx context.Context, t *testing.T, r *Repository, id, path string) string {
	t.Helper()
	resp, err := r.GetPackageFile(ctx, "proj", id, path)
	if err != nil {
		t.Fatalf("reading %s from %s: %s", path, id, err)
	}
	defer resp.Content.Close()
	b, err := io.ReadAll(resp.Content)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func sorted(s []string) []string {
	s = append([]string(nil), s...)
	sort.Strings(s)
	return s
}

func TestCreateAndRead(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		content := map[string]string{"a.txt": "alpha", `dir\b.txt`: "bravo", "empty.txt": ""}
		res := r.CreatePackage(ctx, CreateArgs{Project: "proj", ID: "p1", Description: "first", Files: files(content)})
		if !res.Success {
			t.Fatalf("%s: %s", res.Kind, res.Message)
		}

		m, err := r.Manifest(ctx, "proj", "p1")
		if err != nil {
			t.Fatal(err)
		}
		var paths []string
		for _, item := range m.Files {
			paths = append(paths, item.Path)
		}
		if diff := cmp.Diff([]string{"a.txt", "dir/b.txt"}, paths); diff != "" {
			t.Errorf("paths mismatch (-want +got):\n%s", diff)
		}
		if m.Hash != res.PackageHash || m.Description != "first" || m.Size != 10 {
			t.Errorf("unexpected manifest %+v", m)
		}

		head, err := r.Head(ctx, "proj")
		if err != nil {
			t.Fatal(err)
		}
		if head != "p1" {
			t.Errorf("head is %q", head)
		}

		active, err := r.txns.Active("proj")
		if err != nil {
			t.Fatal(err)
		}
		if shard := active.Shards["p1"]; !strings.HasSuffix(shard, "__"+tetrifact.Cloak("p1")) || len(shard) <= len("__"+tetrifact.Cloak("p1")) {
			t.Errorf("unexpected shard name %q", shard)
		}

		if got := readFile(ctx, t, r, "p1", "dir/b.txt"); got != "bravo" {
			t.Errorf("got %q", got)
		}

		item, _ := m.File("a.txt")
		resp, err := r.GetFile(ctx, "proj", item.ID)
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(resp.Content)
		resp.Content.Close()
		if string(b) != "alpha" || resp.Path != "a.txt" {
			t.Errorf("got %s = %q", resp.Path, b)
		}

		ok, problems, err := r.VerifyPackage(ctx, "proj", "p1")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("verify failed: %v", problems)
		}

		projects, _ := r.Projects(ctx)
		if diff := cmp.Diff([]string{"proj"}, projects); diff != "" {
			t.Errorf("projects mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestCreateValidation(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		mustCreate(ctx, t, r, "existing", map[string]string{"f": "x"})

		one := func() []File { return files(map[string]string{"f": "x"}) }
		two := func() []File { return files(map[string]string{"f": "x", "g": "y"}) }

		cases := []struct {
			name string
			args CreateArgs
			want CreateErrorKind
		}{
			{"no files", CreateArgs{Project: "proj", ID: "n"}, MissingValue},
			{"no id", CreateArgs{Project: "proj", Files: one()}, MissingValue},
			{"only empty files", CreateArgs{Project: "proj", ID: "n", Files: files(map[string]string{"e": ""})}, MissingValue},
			{"bad id", CreateArgs{Project: "proj", ID: "a/b", Files: one()}, InvalidName},
			{"escaping path", CreateArgs{Project: "proj", ID: "n", Files: files(map[string]string{"../x": "x"})}, InvalidName},
			{"exists", CreateArgs{Project: "proj", ID: "existing", Files: one()}, PackageExists},
			{"archive count", CreateArgs{Project: "proj", ID: "n", Files: two(), IsArchive: true, Format: "zip"}, InvalidFileCount},
			{"archive format", CreateArgs{Project: "proj", ID: "n", Files: one(), IsArchive: true, Format: "7z"}, InvalidArchiveFormat},
			{"not a zip", CreateArgs{Project: "proj", ID: "n", Files: one(), IsArchive: true, Format: "zip"}, InvalidArchiveFormat},
			{"unknown branch", CreateArgs{Project: "proj", ID: "n", Files: one(), BranchFrom: "nope"}, InvalidDiffAgainstPackage},
			{"unknown branch in new project", CreateArgs{Project: "other", ID: "n", Files: one(), BranchFrom: "nope"}, InvalidDiffAgainstPackage},
			{"not a zip in new project", CreateArgs{Project: "newproj", ID: "n", Files: one(), IsArchive: true, Format: "zip"}, InvalidArchiveFormat},
			{"escaping path in new project", CreateArgs{Project: "other", ID: "n", Files: files(map[string]string{"../escape": "x"})}, InvalidName},
			{"only empty files in new project", CreateArgs{Project: "other", ID: "n", Files: files(map[string]string{"e": ""})}, MissingValue},
		}
		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				res := r.CreatePackage(ctx, c.args)
				if res.Success {
					t.Fatal("publish succeeded")
				}
				if res.Kind != c.want {
					t.Errorf("got %s (%s), want %s", res.Kind, res.Message, c.want)
				}
			})
		}

		projects, err := r.Projects(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"proj"}, projects); diff != "" {
			t.Errorf("refused publishes changed the projects (-want +got):\n%s", diff)
		}
		ids, _ := r.AllPackageIDs(ctx, "proj")
		if diff := cmp.Diff([]string{"existing"}, ids); diff != "" {
			t.Errorf("packages mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestCreateFromArchive(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		buf := new(bytes.Buffer)
		zw := zip.NewWriter(buf)
		for name, content := range map[string]string{"bin/tool": "tool", `docs\readme.md`: "readme"} {
			w, _ := zw.Create(name)
			io.WriteString(w, content)
		}
		zw.Close()

		res := r.CreatePackage(ctx, CreateArgs{
			Project:   "proj",
			ID:        "zipped",
			Files:     []File{{Name: "upload.zip", Content: buf}},
			IsArchive: true,
			Format:    "zip",
		})
		if !res.Success {
			t.Fatalf("%s: %s", res.Kind, res.Message)
		}
		if got := readFile(ctx, t, r, "zipped", "docs/readme.md"); got != "readme" {
			t.Errorf("got %q", got)
		}
	})
}

func TestDedup(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		p1 := mustCreate(ctx, t, r, "p1", map[string]string{"same.txt": "shared bytes"})
		p2 := mustCreate(ctx, t, r, "p2", map[string]string{"same.txt": "shared bytes"})

		item, _ := p1.File("same.txt")
		blobs := r.blobs("proj")
		subs, _ := blobs.Subscribers("same.txt", item.Hash)
		if diff := cmp.Diff([]string{"p1", "p2"}, sorted(subs)); diff != "" {
			t.Errorf("subscribers mismatch (-want +got):\n%s", diff)
		}
		if p2.SizeOnDisk != 0 {
			t.Errorf("second copy used %d bytes on disk", p2.SizeOnDisk)
		}

		existing, err := r.FindExisting(ctx, "proj", []tetrifact.ManifestItem{item, {Path: "same.txt", Hash: "0000"}})
		if err != nil {
			t.Fatal(err)
		}
		if len(existing) != 1 || existing[0].Hash != item.Hash {
			t.Errorf("unexpected existing items %v", existing)
		}

		if err = r.DeletePackage(ctx, "proj", "p1"); err != nil {
			t.Fatal(err)
		}
		subs, _ = blobs.Subscribers("same.txt", item.Hash)
		if diff := cmp.Diff([]string{"p2"}, subs); diff != "" {
			t.Errorf("subscribers mismatch (-want +got):\n%s", diff)
		}
		if got := readFile(ctx, t, r, "p2", "same.txt"); got != "shared bytes" {
			t.Errorf("got %q", got)
		}

		if err = r.DeletePackage(ctx, "proj", "p2"); err != nil {
			t.Fatal(err)
		}
		subs, _ = blobs.Subscribers("same.txt", item.Hash)
		if len(subs) != 0 {
			t.Errorf("subscribers left: %v", subs)
		}
		if !blobs.Exists("same.txt", item.Hash) {
			t.Error("blob removed before cleaning")
		}

		if _, err = r.Clean(ctx); err != nil {
			t.Fatal(err)
		}
		if blobs.Exists("same.txt", item.Hash) {
			t.Error("unsubscribed blob survived cleaning")
		}
	})
}

func chainContent(i int) string {
	return strings.Repeat("some content ", 40*(i+1))
}

func TestRehydrationChain(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		const n = 5
		blobs := r.blobs("proj")
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("my package%d", i)
			m := mustCreate(ctx, t, r, id, map[string]string{"path/to/file.txt": chainContent(i)})
			item, _ := m.File("path/to/file.txt")
			if i > 0 && blobs.HasBinary(item.Path, item.Hash) {
				t.Errorf("%s stored in full", id)
			}
			if i > 0 && m.Predecessor != fmt.Sprintf("my package%d", i-1) {
				t.Errorf("%s has predecessor %q", id, m.Predecessor)
			}
		}

		for i := n - 1; i >= 0; i-- {
			id := fmt.Sprintf("my package%d", i)
			if got := readFile(ctx, t, r, id, "path/to/file.txt"); got != chainContent(i) {
				t.Errorf("%s: wrong content (%d bytes, want %d)", id, len(got), len(chainContent(i)))
			}
			ok, problems, err := r.VerifyPackage(ctx, "proj", id)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Errorf("%s: %v", id, problems)
			}
		}
	})
}

func TestDeleteRewiresDependents(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		mustCreate(ctx, t, r, "A", map[string]string{"f.txt": "aaa"})
		b := mustCreate(ctx, t, r, "B", map[string]string{"f.txt": "aaabbb"})

		item, _ := b.File("f.txt")
		blobs := r.blobs("proj")
		if blobs.HasBinary("f.txt", item.Hash) || !blobs.HasPatch("f.txt", item.Hash) {
			t.Fatal("B not stored as a patch")
		}
		if got := readFile(ctx, t, r, "B", "f.txt"); got != "aaabbb" {
			t.Errorf("got %q", got)
		}

		if err := r.DeletePackage(ctx, "proj", "A"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Manifest(ctx, "proj", "A"); !tetrifact.IsNotFound(err, tetrifact.NotFoundPackage) {
			t.Errorf("A still present: %v", err)
		}
		if got := readFile(ctx, t, r, "B", "f.txt"); got != "aaabbb" {
			t.Errorf("after deleting A, got %q", got)
		}
		bm, _ := r.Manifest(ctx, "proj", "B")
		if bm.Predecessor != "" {
			t.Errorf("B predecessor is %q", bm.Predecessor)
		}

		// Cleaning must not break B either.
		if _, err := r.Clean(ctx); err != nil {
			t.Fatal(err)
		}
		if got := readFile(ctx, t, r, "B", "f.txt"); got != "aaabbb" {
			t.Errorf("after cleaning, got %q", got)
		}
	})
}

func TestDeleteHead(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		mustCreate(ctx, t, r, "A", map[string]string{"f.txt": "one"})
		mustCreate(ctx, t, r, "B", map[string]string{"f.txt": "two"})

		if err := r.DeletePackage(ctx, "proj", "B"); err != nil {
			t.Fatal(err)
		}
		head, _ := r.Head(ctx, "proj")
		if head != "A" {
			t.Errorf("head is %q, want A", head)
		}

		if err := r.DeletePackage(ctx, "proj", "B"); !tetrifact.IsNotFound(err, tetrifact.NotFoundPackage) {
			t.Errorf("deleting twice: got %v", err)
		}
		if err := r.DeletePackage(ctx, "nope", "A"); !tetrifact.IsNotFound(err, tetrifact.NotFoundProject) {
			t.Errorf("deleting from unknown project: got %v", err)
		}
	})
}

func TestDeleteDisabled(t *testing.T) {
	withTestRepo(t, func(s *config.Settings) { s.AllowPackageDelete = false }, func(ctx context.Context, r *Repository) {
		mustCreate(ctx, t, r, "A", map[string]string{"f.txt": "one"})
		if err := r.DeletePackage(ctx, "proj", "A"); !errors.Is(err, tetrifact.ErrPolicyDenied) {
			t.Errorf("got %v, want policy denied", err)
		}
	})
}

func TestVerifyDetectsCorruption(t *testing.T) {
	withTestRepo(t, func(s *config.Settings) { s.DeltaMode = "off" }, func(ctx context.Context, r *Repository) {
		m := mustCreate(ctx, t, r, "A", map[string]string{"f.txt": "original", "g.txt": "fine"})
		item, _ := m.File("f.txt")

		bin := filepath.Join(r.index.RepositoryDir("proj"), "f.txt", item.Hash, "bin")
		if err := afero.WriteFile(r.fs, bin, []byte("tampered"), 0644); err != nil {
			t.Fatal(err)
		}

		ok, problems, err := r.VerifyPackage(ctx, "proj", "A")
		if err != nil {
			t.Fatal(err)
		}
		if ok || len(problems) != 1 || !strings.HasPrefix(problems[0], "f.txt:") {
			t.Errorf("got ok=%v problems=%v", ok, problems)
		}
	})
}

func TestPaging(t *testing.T) {
	withTestRepo(t, func(s *config.Settings) { s.ListPageSize = 2 }, func(ctx context.Context, r *Repository) {
		for _, id := range []string{"e", "c", "a", "d", "b"} {
			mustCreate(ctx, t, r, id, map[string]string{"f": id})
		}
		cases := []struct {
			page, size int
			want       []string
		}{
			{0, 0, []string{"a", "b"}},
			{1, 0, []string{"c", "d"}},
			{2, 0, []string{"e"}},
			{3, 0, nil},
			{0, 10, []string{"a", "b", "c", "d", "e"}},
		}
		for _, c := range cases {
			got, err := r.PackageIDs(ctx, "proj", c.page, c.size)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("page %d size %d mismatch (-want +got):\n%s", c.page, c.size, diff)
			}
		}
		if _, err := r.PackageIDs(ctx, "nope", 0, 0); !tetrifact.IsNotFound(err, tetrifact.NotFoundProject) {
			t.Errorf("got %v for unknown project", err)
		}
	})
}

func TestArchive(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		content := map[string]string{"one.txt": "1", "two/two.txt": "22", "three.txt": "333"}
		mustCreate(ctx, t, r, "A", map[string]string{"one.txt": "0"})
		mustCreate(ctx, t, r, "B", content)

		status, err := r.ArchiveStatus(ctx, "proj", "B")
		if err != nil {
			t.Fatal(err)
		}
		if status != archive.NotStarted {
			t.Errorf("status %s", status)
		}

		rc, err := r.GetArchive(ctx, "proj", "B")
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatal(err)
		}
		got := make(map[string]string)
		for _, f := range zr.File {
			fr, _ := f.Open()
			b, _ := io.ReadAll(fr)
			fr.Close()
			got[f.Name] = string(b)
		}
		if diff := cmp.Diff(content, got); diff != "" {
			t.Errorf("archive mismatch (-want +got):\n%s", diff)
		}

		status, _ = r.ArchiveStatus(ctx, "proj", "B")
		if status != archive.Ready {
			t.Errorf("status %s after build", status)
		}
		if _, err = r.ArchiveStatus(ctx, "proj", "nope"); !tetrifact.IsNotFound(err, tetrifact.NotFoundPackage) {
			t.Errorf("got %v for unknown package", err)
		}
	})
}

func TestPruneRewires(t *testing.T) {
	modify := func(s *config.Settings) {
		s.Prune.Enabled = true
		s.Prune.ProtectedTags = []string{"keep"}
	}
	withTestRepo(t, modify, func(ctx context.Context, r *Repository) {
		const n = 6
		for i := 1; i <= n; i++ {
			id := fmt.Sprintf("p%d", i)
			mustCreate(ctx, t, r, id, map[string]string{"f.txt": chainContent(i)})

			m, err := r.index.GetManifest(ctx, "proj", id)
			if err != nil {
				t.Fatal(err)
			}
			m = m.Clone()
			m.CreatedUtc = time.Now().AddDate(0, 0, -(30 - i))
			if err = r.index.WriteManifest("proj", m); err != nil {
				t.Fatal(err)
			}
		}
		r.Tags().AddTag(ctx, "proj", "p1", "keep")

		for i := 0; i < 3; i++ {
			if _, err := r.Prune(ctx); err != nil {
				t.Fatal(err)
			}
		}

		ids, _ := r.AllPackageIDs(ctx, "proj")
		if diff := cmp.Diff([]string{"p1", "p4", "p5", "p6"}, ids); diff != "" {
			t.Errorf("packages mismatch (-want +got):\n%s", diff)
		}
		for _, id := range ids {
			var i int
			fmt.Sscanf(id, "p%d", &i)
			if got := readFile(ctx, t, r, id, "f.txt"); got != chainContent(i) {
				t.Errorf("%s unreadable after prune", id)
			}
		}
	})
}

func TestNewWithRegisteredTags(t *testing.T) {
	s := testSettings()
	fs := afero.NewMemMapFs()
	r, err := New(context.Background(), s, fs, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	r.Initialize(ctx)
	mustCreate(ctx, t, r, "A", map[string]string{"f.txt": "x"})
	if err = r.Tags().AddTag(ctx, "proj", "A", "release"); err != nil {
		t.Fatal(err)
	}
	m, err := r.Manifest(ctx, "proj", "A")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"release"}, m.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if ok, _ := afero.DirExists(fs, filepath.Join(s.ProjectsPath, tetrifact.Cloak("proj"), "tags")); !ok {
		t.Error("tags not stored beside the project")
	}
}

func TestConcurrentCreateAndDelete(t *testing.T) {
	withTestRepo(t, nil, func(ctx context.Context, r *Repository) {
		mustCreate(ctx, t, r, "base", map[string]string{"f.txt": chainContent(0)})

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("p%02d", i)
				res := r.CreatePackage(ctx, CreateArgs{
					Project: "proj",
					ID:      id,
					Files:   files(map[string]string{"f.txt": chainContent(i + 1), "shared.txt": "same everywhere"}),
				})
				if !res.Success {
					t.Errorf("creating %s: %s (%s)", id, res.Kind, res.Message)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.DeletePackage(ctx, "proj", "base"); err != nil {
				t.Errorf("deleting base: %s", err)
			}
		}()
		wg.Wait()

		ids, err := r.AllPackageIDs(ctx, "proj")
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != n {
			t.Fatalf("got %d live packages, want %d: %v", len(ids), n, ids)
		}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%02d", i)
			if got := readFile(ctx, t, r, id, "f.txt"); got != chainContent(i+1) {
				t.Errorf("%s: wrong content", id)
			}
			ok, problems, err := r.VerifyPackage(ctx, "proj", id)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Errorf("%s: %v", id, problems)
			}
		}

		if _, err = r.Clean(ctx); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%02d", i)
			if got := readFile(ctx, t, r, id, "f.txt"); got != chainContent(i+1) {
				t.Errorf("%s: wrong content after cleaning", id)
			}
		}
	})
}
