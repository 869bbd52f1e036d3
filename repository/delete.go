package repository

import (
	"bytes"
	"context"

	"github.com/pkg/errors"

	"github.com/tetrifact/tetrifact"
	"github.com/tetrifact/tetrifact/metrics"
)

// DeletePackage deletes package id.
//
// Packages stored as patches against id are rewired first:
// their patched files are rebuilt and stored in full,
// and id's predecessor becomes their predecessor.
// If id is the head,
// its predecessor becomes the head.
// Storage the package alone used is left for the cleaner.
func (r *Repository) DeletePackage(ctx context.Context, project, id string) error {
	if !r.settings.AllowPackageDelete {
		return errors.Wrapf(tetrifact.ErrPolicyDenied, "deleting %s", id)
	}
	if err := r.deletePackage(ctx, project, id); err != nil {
		return err
	}
	metrics.PackagesDeleted.WithLabelValues("delete").Inc()
	return nil
}

func (r *Repository) deletePackage(ctx context.Context, project, id string) error {
	if !r.index.ProjectExists(project) {
		return tetrifact.ProjectNotFound(project)
	}
	unlock, err := r.projectLock(ctx, project)
	if err != nil {
		return err
	}
	defer unlock()

	active, err := r.txns.Active(project)
	if err != nil {
		return err
	}
	if !active.Has(id) {
		return tetrifact.PackageNotFound(id)
	}
	m, err := r.index.GetManifest(ctx, project, id)
	if err != nil {
		return errors.Wrapf(err, "reading manifest of %s", id)
	}

	newPred := m.Predecessor
	if newPred != "" && !active.Has(newPred) {
		newPred = ""
	}

	dependents := active.Dependents(id)
	for _, child := range dependents {
		if err = r.rewire(ctx, project, child, newPred); err != nil {
			return errors.Wrapf(err, "rewiring %s", child)
		}
	}

	t, err := r.txns.Begin(project)
	if err != nil {
		return err
	}
	defer t.Abort()

	if err = t.Remove(id); err != nil {
		return err
	}
	if newPred != "" {
		for _, child := range dependents {
			if err = t.AddDependency(newPred, child); err != nil {
				return err
			}
		}
	}
	if active.Head == id {
		if err = t.SetHead(newPred); err != nil {
			return err
		}
	}
	if _, err = t.Commit(); err != nil {
		return err
	}

	r.release(ctx, project, m, active.Shards[id])
	r.log.Info().Str("project", project).Str("package", id).Strs("rewired", dependents).Msg("deleted package")
	return nil
}

// rewire stores every patched file of child in full
// and records pred as its predecessor.
func (r *Repository) rewire(ctx context.Context, project, child, pred string) error {
	m, err := r.index.GetManifest(ctx, project, child)
	if err != nil {
		return err
	}
	blobs := r.blobs(project)
	for _, item := range m.Files {
		if blobs.HasBinary(item.Path, item.Hash) {
			continue
		}
		content, err := r.resolver.ResolveBytes(ctx, project, child, item.Path)
		if err != nil {
			return err
		}
		if _, err = blobs.Promote(ctx, item.Path, item.Hash, bytes.NewReader(content)); err != nil {
			return err
		}
	}

	m = m.Clone()
	m.Predecessor = pred
	return r.index.WriteManifest(project, m)
}

// release withdraws a deleted package's claims on storage.
// Failures are logged and left for the cleaner.
func (r *Repository) release(ctx context.Context, project string, m *tetrifact.Manifest, shard string) {
	blobs := r.blobs(project)
	for _, item := range m.Files {
		if err := blobs.Unsubscribe(ctx, item.Path, item.Hash, m.ID); err != nil {
			r.log.Warn().Err(err).Str("path", item.Path).Str("package", m.ID).Msg("removing subscription, will retry on next clean")
		}
	}
	if err := r.index.RemoveManifest(project, m.ID); err != nil {
		r.log.Warn().Err(err).Str("package", m.ID).Msg("removing manifest, will retry on next clean")
	}
	r.archives.Remove(project, m.ID)
	if err := r.tags.RemovePackage(ctx, project, m.ID); err != nil {
		r.log.Warn().Err(err).Str("package", m.ID).Msg("removing tags")
	}
	r.removeCache(project, shard)
}
