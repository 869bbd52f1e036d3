// Package mem implements an in-memory tag service.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/tetrifact/tetrifact/tags"
)

var _ tags.Service = &Service{}

// Service is a memory-based tag service.
type Service struct {
	mu sync.Mutex
	m  map[string]map[string]map[string]struct{} // project -> package -> tags
}

// New produces a new Service.
func New() *Service {
	return &Service{m: make(map[string]map[string]map[string]struct{})}
}

func (s *Service) PackagesThenTags(_ context.Context, project string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string][]string)
	for pkg, set := range s.m[project] {
		result[pkg] = keys(set)
	}
	return result, nil
}

func (s *Service) TagsOf(_ context.Context, project, pkg string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return keys(s.m[project][pkg]), nil
}

func (s *Service) AddTag(_ context.Context, project, pkg, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkgs, ok := s.m[project]
	if !ok {
		pkgs = make(map[string]map[string]struct{})
		s.m[project] = pkgs
	}
	set, ok := pkgs[pkg]
	if !ok {
		set = make(map[string]struct{})
		pkgs[pkg] = set
	}
	set[tag] = struct{}{}
	return nil
}

func (s *Service) RemoveTag(_ context.Context, project, pkg, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.m[project][pkg]
	delete(set, tag)
	if len(set) == 0 {
		delete(s.m[project], pkg)
	}
	return nil
}

func (s *Service) RemovePackage(_ context.Context, project, pkg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m[project], pkg)
	return nil
}

func (s *Service) PackagesWithTag(_ context.Context, project, tag string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []string
	for pkg, set := range s.m[project] {
		if _, ok := set[tag]; ok {
			result = append(result, pkg)
		}
	}
	sort.Strings(result)
	return result, nil
}

// Caller must obtain a lock.
func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	result := make([]string, 0, len(set))
	for k := range set {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

func init() {
	tags.Register("mem", func(context.Context, map[string]interface{}) (tags.Service, error) {
		return New(), nil
	})
}
