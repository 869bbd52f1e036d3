package repository

import (
	"context"
	"fmt"
)

// VerifyPackage checks that every file of package id
// has the content its manifest declares
// and that the package hash matches its files.
// Mismatches are reported in problems, not as an error.
func (r *Repository) VerifyPackage(ctx context.Context, project, id string) (ok bool, problems []string, err error) {
	m, err := r.Manifest(ctx, project, id)
	if err != nil {
		return false, nil, err
	}

	declared := make(map[string]string, len(m.Files))
	for _, item := range m.Files {
		declared[item.Path] = item.Hash

		rc, err := r.resolver.Resolve(ctx, project, id, item.Path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: cannot read: %s", item.Path, err))
			continue
		}
		h, _, err := r.hasher.HashBytes(rc)
		rc.Close()
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: cannot read: %s", item.Path, err))
			continue
		}
		if h != item.Hash {
			problems = append(problems, fmt.Sprintf("%s: expected hash %s, got %s", item.Path, item.Hash, h))
		}
	}

	if combined := r.hasher.Combined(declared); combined != m.Hash {
		problems = append(problems, fmt.Sprintf("package hash: expected %s, got %s", m.Hash, combined))
	}
	return len(problems) == 0, problems, nil
}
