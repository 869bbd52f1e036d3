// Package txn implements a project's transaction log.
//
// A transaction is a directory of small pointer files:
//
//	head                     the project's head package id
//	{id}_manifest            the name of the package's manifest directory
//	{id}_shard               the name of the package's rehydration cache directory
//	dep_{parent}_{child}_    child is stored as patches against parent
//
// (ids cloaked).
// The newest committed directory is the live state.
// A new transaction starts as a copy of the live state in a temporary directory;
// Commit renames it into place,
// which is the only moment the change becomes visible.
package txn

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/index"
	"github.com/tetrifact/tetrifact/storage"
)

const (
	headFile       = "head"
	manifestSuffix = "_manifest"
	shardSuffix    = "_shard"
	depPrefix      = "dep_"
	tempPrefix     = "~"
)

// Log is the transaction log of every project in a repository.
type Log struct {
	fs    afero.Fs
	index *index.Index
	depth int
	log   zerolog.Logger

	// Now is the clock used to name transactions.
	Now func() time.Time
}

// New produces a Log.
// Depth is how many of the newest transactions RecentHistory replays.
func New(fs afero.Fs, x *index.Index, depth int, log zerolog.Logger) *Log {
	if depth < 1 {
		depth = 1
	}
	return &Log{fs: fs, index: x, depth: depth, log: log, Now: time.Now}
}

// Dependency says that Child is stored as patches against Parent.
type Dependency struct {
	Parent, Child string
}

// Snapshot is the content of one transaction.
type Snapshot struct {
	Name         string
	Head         string
	Manifests    map[string]string // package id -> manifest pointer
	Shards       map[string]string // package id -> shard name
	Dependencies []Dependency
}

// Has tells whether package id is live in s.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.Manifests[id]
	return ok
}

// PackageIDs lists the live packages in s in lexical order.
func (s *Snapshot) PackageIDs() []string {
	ids := make([]string, 0, len(s.Manifests))
	for id := range s.Manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents lists the packages stored as patches against parent.
func (s *Snapshot) Dependents(parent string) []string {
	var result []string
	for _, d := range s.Dependencies {
		if d.Parent == parent {
			result = append(result, d.Child)
		}
	}
	sort.Strings(result)
	return result
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Manifests: make(map[string]string),
		Shards:    make(map[string]string),
	}
}

func (l *Log) dir(project string) string {
	return l.index.TransactionsDir(project)
}

func ticks(name string) (int64, bool) {
	n, err := strconv.ParseInt(name, 10, 64)
	return n, err == nil
}

// Transactions lists the committed transactions of project, newest first.
func (l *Log) Transactions(project string) ([]string, error) {
	names, err := storage.Subdirs(l.fs, l.dir(project))
	if err != nil {
		return nil, err
	}
	var result []string
	for _, name := range names {
		if _, ok := ticks(name); ok {
			result = append(result, name)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, _ := ticks(result[i])
		b, _ := ticks(result[j])
		return a > b
	})
	return result, nil
}

// TempTransactions lists the uncommitted transaction directories of project.
func (l *Log) TempTransactions(project string) ([]string, error) {
	names, err := storage.Subdirs(l.fs, l.dir(project))
	if err != nil {
		return nil, err
	}
	var result []string
	for _, name := range names {
		if strings.HasPrefix(name, tempPrefix) {
			result = append(result, name)
		}
	}
	return result, nil
}

// Path is the directory of the named transaction.
func (l *Log) Path(project, name string) string {
	return filepath.Join(l.dir(project), name)
}

// RemoveTransaction deletes the named transaction directory.
func (l *Log) RemoveTransaction(project, name string) error {
	p := l.Path(project, name)
	return errors.Wrapf(l.fs.RemoveAll(p), "removing %s", p)
}

// Active reads the live state of project.
// A project with no transactions has an empty state.
func (l *Log) Active(project string) (*Snapshot, error) {
	names, err := l.Transactions(project)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return emptySnapshot(), nil
	}
	return l.read(project, names[0])
}

// Shards maps each live package of project to its shard name.
func (l *Log) Shards(_ context.Context, project string) (map[string]string, error) {
	s, err := l.Active(project)
	if err != nil {
		return nil, err
	}
	return s.Shards, nil
}

func (l *Log) read(project, name string) (*Snapshot, error) {
	dir := l.Path(project, name)
	files, err := storage.ReadDirNames(l.fs, dir)
	if err != nil {
		return nil, err
	}

	s := emptySnapshot()
	s.Name = name
	for _, f := range files {
		switch {
		case f == headFile:
			b, err := afero.ReadFile(l.fs, filepath.Join(dir, f))
			if err != nil {
				return nil, errors.Wrapf(err, "reading head of %s", dir)
			}
			s.Head = string(b)

		case strings.HasPrefix(f, depPrefix):
			parent, child, ok := parseDep(f)
			if !ok {
				l.log.Warn().Str("file", filepath.Join(dir, f)).Msg("malformed dependency pointer")
				continue
			}
			s.Dependencies = append(s.Dependencies, Dependency{Parent: parent, Child: child})

		case strings.HasSuffix(f, manifestSuffix), strings.HasSuffix(f, shardSuffix):
			suffix := manifestSuffix
			target := s.Manifests
			if strings.HasSuffix(f, shardSuffix) {
				suffix, target = shardSuffix, s.Shards
			}
			id, err := tetrifact.Decloak(strings.TrimSuffix(f, suffix))
			if err != nil {
				l.log.Warn().Str("file", filepath.Join(dir, f)).Msg("malformed pointer")
				continue
			}
			b, err := afero.ReadFile(l.fs, filepath.Join(dir, f))
			if err != nil {
				return nil, errors.Wrapf(err, "reading pointer %s", f)
			}
			target[id] = string(b)
		}
	}
	return s, nil
}

func depName(parent, child string) string {
	return depPrefix + tetrifact.Cloak(parent) + "_" + tetrifact.Cloak(child) + "_"
}

func parseDep(name string) (parent, child string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(name, depPrefix), "_")
	if len(parts) != 3 || parts[2] != "" {
		return "", "", false
	}
	parent, err := tetrifact.Decloak(parts[0])
	if err != nil {
		return "", "", false
	}
	child, err = tetrifact.Decloak(parts[1])
	if err != nil {
		return "", "", false
	}
	return parent, child, true
}

// History is the union of a project's most recent transactions.
type History struct {
	// Transactions replayed, newest first.
	Transactions []string

	// Package id to pointer; newer transactions win.
	Manifests map[string]string
	Shards    map[string]string

	// Every pointer named by any replayed transaction.
	ManifestPointers map[string]bool
	ShardPointers    map[string]bool
}

// RecentHistory replays the newest transactions of project.
func (l *Log) RecentHistory(project string) (*History, error) {
	names, err := l.Transactions(project)
	if err != nil {
		return nil, err
	}
	if len(names) > l.depth {
		names = names[:l.depth]
	}

	h := &History{
		Transactions:     names,
		Manifests:        make(map[string]string),
		Shards:           make(map[string]string),
		ManifestPointers: make(map[string]bool),
		ShardPointers:    make(map[string]bool),
	}
	for _, name := range names {
		s, err := l.read(project, name)
		if err != nil {
			return nil, err
		}
		for id, p := range s.Manifests {
			if _, ok := h.Manifests[id]; !ok {
				h.Manifests[id] = p
			}
			h.ManifestPointers[p] = true
		}
		for id, p := range s.Shards {
			if _, ok := h.Shards[id]; !ok {
				h.Shards[id] = p
			}
			h.ShardPointers[p] = true
		}
	}
	return h, nil
}

// Depth is the number of transactions RecentHistory replays.
func (l *Log) Depth() int {
	return l.depth
}
