// Package hash computes content hashes and combined package hashes.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	gohash "hash"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Algorithm names accepted by New.
const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Service hashes file content and paths.
// All hashes are lowercase hex.
type Service struct {
	algo    string
	newHash func() gohash.Hash
}

// New produces a Service using the named algorithm.
// The empty string means SHA256.
func New(algo string) (*Service, error) {
	switch strings.ToLower(algo) {
	case "", SHA256:
		return &Service{algo: SHA256, newHash: sha256.New}, nil
	case BLAKE3:
		return &Service{algo: BLAKE3, newHash: func() gohash.Hash { return blake3.New() }}, nil
	}
	return nil, errors.Errorf("unknown hash algorithm %s", algo)
}

// Algorithm is the name of the algorithm s uses.
func (s *Service) Algorithm() string {
	return s.algo
}

// HashBytes hashes everything r produces,
// returning the hash and the number of bytes read.
func (s *Service) HashBytes(r io.Reader) (string, int64, error) {
	h := s.newHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, errors.Wrap(err, "hashing content")
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashString hashes the UTF-8 bytes of str.
func (s *Service) HashString(str string) string {
	h := s.newHash()
	io.WriteString(h, str)
	return hex.EncodeToString(h.Sum(nil))
}

// OrderForHashing returns a sorted copy of paths.
// The order is bytewise and case sensitive,
// so it does not depend on locale.
func OrderForHashing(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}

// Combined computes a package hash from a map of path to content hash.
// For each path in OrderForHashing order,
// the hash of the path and then the content hash are concatenated;
// the result is the hash of that concatenation.
func (s *Service) Combined(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}

	var buf strings.Builder
	for _, p := range OrderForHashing(paths) {
		buf.WriteString(s.HashString(p))
		buf.WriteString(files[p])
	}
	return s.HashString(buf.String())
}
