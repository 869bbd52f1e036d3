package txn

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/storage"
)

// Transaction is a pending change to a project's live state.
// Callers serialize transactions on a project by holding its project lock
// from Begin until Commit or Abort.
type Transaction struct {
	l       *Log
	project string
	temp    string
	done    bool
}

// Begin starts a transaction on project
// as a copy of its live state.
func (l *Log) Begin(project string) (*Transaction, error) {
	dir := l.dir(project)
	err := l.fs.MkdirAll(dir, 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	var temp string
	for n := l.Now().UTC().UnixNano(); ; n++ {
		temp = filepath.Join(dir, tempPrefix+strconv.FormatInt(n, 10))
		err = l.fs.Mkdir(temp, 0755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "creating %s", temp)
		}
	}

	t := &Transaction{l: l, project: project, temp: temp}

	names, err := l.Transactions(project)
	if err != nil {
		t.Abort()
		return nil, err
	}
	if len(names) > 0 {
		src := l.Path(project, names[0])
		files, err := storage.ReadDirNames(l.fs, src)
		if err != nil {
			t.Abort()
			return nil, err
		}
		for _, f := range files {
			b, err := afero.ReadFile(l.fs, filepath.Join(src, f))
			if err != nil {
				t.Abort()
				return nil, errors.Wrapf(err, "copying %s", f)
			}
			if err = afero.WriteFile(l.fs, filepath.Join(temp, f), b, 0644); err != nil {
				t.Abort()
				return nil, errors.Wrapf(err, "copying %s", f)
			}
		}
	}
	return t, nil
}

func (t *Transaction) write(name, content string) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	p := filepath.Join(t.temp, name)
	return errors.Wrapf(afero.WriteFile(t.l.fs, p, []byte(content), 0644), "writing %s", p)
}

func (t *Transaction) remove(name string) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	p := filepath.Join(t.temp, name)
	err := t.l.fs.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", p)
	}
	return nil
}

// SetHead makes id the project's head.
// The empty string leaves the project without one.
func (t *Transaction) SetHead(id string) error {
	if id == "" {
		return t.remove(headFile)
	}
	return t.write(headFile, id)
}

// AddManifest makes package id live, with its manifests in the directory named by pointer.
func (t *Transaction) AddManifest(id, pointer string) error {
	return t.write(tetrifact.Cloak(id)+manifestSuffix, pointer)
}

// AddShard records the name of package id's rehydration cache directory.
func (t *Transaction) AddShard(id, shard string) error {
	return t.write(tetrifact.Cloak(id)+shardSuffix, shard)
}

func (t *Transaction) AddDependency(parent, child string) error {
	return t.write(depName(parent, child), "")
}

func (t *Transaction) RemoveDependency(parent, child string) error {
	return t.remove(depName(parent, child))
}

// Remove drops package id:
// its manifest and shard pointers,
// and every dependency naming it as parent or child.
func (t *Transaction) Remove(id string) error {
	cloaked := tetrifact.Cloak(id)
	if err := t.remove(cloaked + manifestSuffix); err != nil {
		return err
	}
	if err := t.remove(cloaked + shardSuffix); err != nil {
		return err
	}

	files, err := storage.ReadDirNames(t.l.fs, t.temp)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !strings.HasPrefix(f, depPrefix) {
			continue
		}
		parent, child, ok := parseDep(f)
		if !ok || (parent != id && child != id) {
			continue
		}
		if err = t.remove(f); err != nil {
			return err
		}
	}
	return nil
}

// Commit makes the transaction the live state of its project.
// It returns the committed transaction's name.
func (t *Transaction) Commit() (string, error) {
	if t.done {
		return "", errors.New("transaction already finished")
	}

	names, err := t.l.Transactions(t.project)
	if err != nil {
		return "", err
	}
	n := t.l.Now().UTC().UnixNano()
	if len(names) > 0 {
		if newest, _ := ticks(names[0]); n <= newest {
			n = newest + 1
		}
	}
	name := strconv.FormatInt(n, 10)
	final := t.l.Path(t.project, name)
	if err = t.l.fs.Rename(t.temp, final); err != nil {
		return "", errors.Wrapf(err, "committing %s", final)
	}
	t.done = true
	return name, nil
}

// Abort discards the transaction.
// It does nothing after Commit.
func (t *Transaction) Abort() {
	if t.done {
		return
	}
	t.done = true
	if err := t.l.fs.RemoveAll(t.temp); err != nil {
		t.l.log.Warn().Err(err).Str("path", t.temp).Msg("removing aborted transaction")
	}
}
