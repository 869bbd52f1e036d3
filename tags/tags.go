// Package tags defines the tag service that labels packages,
// and a registry of its implementations.
//
// Tags are owned by the tag service, not by the repository:
// the repository only reads them,
// to fill in manifests and to keep protected packages out of pruning.
package tags

import (
	"context"
	"fmt"
	"sort"
)

// Reader is the read side of a tag service.
type Reader interface {
	// PackagesThenTags maps each tagged package of project to its tags.
	PackagesThenTags(ctx context.Context, project string) (map[string][]string, error)

	// TagsOf lists the tags of one package.
	TagsOf(ctx context.Context, project, pkg string) ([]string, error)
}

// Service is a full tag service.
type Service interface {
	Reader

	AddTag(ctx context.Context, project, pkg, tag string) error

	// RemoveTag is not an error if the package does not have the tag.
	RemoveTag(ctx context.Context, project, pkg, tag string) error

	// RemovePackage removes every tag of pkg.
	RemovePackage(ctx context.Context, project, pkg string) error

	// PackagesWithTag lists the packages of project carrying tag.
	PackagesWithTag(ctx context.Context, project, tag string) ([]string, error)
}

// PackageHasProtectedTag tells whether pkg carries any of the protected tags.
func PackageHasProtectedTag(ctx context.Context, r Reader, project, pkg string, protected []string) (bool, error) {
	if len(protected) == 0 {
		return false, nil
	}
	tags, err := r.TagsOf(ctx, project, pkg)
	if err != nil {
		return false, err
	}
	return HasAny(tags, protected), nil
}

// HasAny tells whether tags and protected have an element in common.
func HasAny(tags, protected []string) bool {
	for _, t := range tags {
		for _, p := range protected {
			if t == p {
				return true
			}
		}
	}
	return false
}

// Factory creates a Service from a configuration map.
type Factory func(context.Context, map[string]interface{}) (Service, error)

var registry = make(map[string]Factory)

// Register makes a Service implementation available to Create under key.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create produces a Service of the type registered under key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (Service, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// Sorted sorts each tag list of m and returns m.
func Sorted(m map[string][]string) map[string][]string {
	for _, v := range m {
		sort.Strings(v)
	}
	return m
}
