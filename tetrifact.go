package tetrifact

import (
	"encoding/base32"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

type (
	// Manifest describes one package.
	Manifest struct {
		ID          string         `json:"Id"`
		Hash        string         `json:"Hash"`
		Description string         `json:"Description,omitempty"`
		CreatedUtc  time.Time      `json:"CreatedUtc"`
		Files       []ManifestItem `json:"Files"`

		// Size is the total logical size of the package's files.
		Size int64 `json:"Size"`

		// SizeOnDisk is how many bytes publishing this package actually added to the repository.
		// Files that were already stored contribute nothing;
		// files stored as patches contribute the patch length.
		SizeOnDisk int64 `json:"SizeOnDisk"`

		// Predecessor is the package this one's patches are relative to.
		Predecessor string `json:"Predecessor,omitempty"`

		IsCompressed bool `json:"IsCompressed"`

		// Tags are filled in from the tag service when the manifest is read.
		Tags []string `json:"Tags,omitempty"`
	}

	// ManifestItem is one file in a Manifest.
	ManifestItem struct {
		Path string `json:"Path"`
		Hash string `json:"Hash"`
		ID   string `json:"Id"`
	}
)

// HeadCopy returns m without its file list.
func (m *Manifest) HeadCopy() *Manifest {
	c := *m
	c.Files = nil
	c.Tags = nil
	return &c
}

// File looks up the item with the given path.
func (m *Manifest) File(path string) (ManifestItem, bool) {
	for _, item := range m.Files {
		if item.Path == path {
			return item, true
		}
	}
	return ManifestItem{}, false
}

// Compressed is the percentage of Size that SizeOnDisk saved.
func (m *Manifest) Compressed() float64 {
	if m.Size == 0 {
		return 0
	}
	return 100 * float64(m.Size-m.SizeOnDisk) / float64(m.Size)
}

// Clone produces a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Files = append([]ManifestItem(nil), m.Files...)
	c.Tags = append([]string(nil), m.Tags...)
	return &c
}

const fileIDSep = "::"

// EncodeFileID produces the opaque identifier of the file with the given path and content hash.
func EncodeFileID(path, hash string) string {
	return base58.Encode([]byte(path + fileIDSep + hash))
}

// DecodeFileID is the inverse of EncodeFileID.
func DecodeFileID(id string) (path, hash string, err error) {
	b, err := base58.Decode(id)
	if err != nil {
		return "", "", errors.Wrapf(err, "decoding file id %s", id)
	}
	s := string(b)
	idx := strings.LastIndex(s, fileIDSep)
	if idx <= 0 || idx+len(fileIDSep) == len(s) {
		return "", "", errors.Errorf("malformed file id %s", id)
	}
	return s[:idx], s[idx+len(fileIDSep):], nil
}

var cloakEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Cloak encodes a project or package name for use as a file name.
// The result uses only lowercase letters and digits.
func Cloak(name string) string {
	return cloakEncoding.EncodeToString([]byte(name))
}

// Decloak is the inverse of Cloak.
func Decloak(s string) (string, error) {
	b, err := cloakEncoding.DecodeString(s)
	if err != nil {
		return "", errors.Wrapf(err, "decloaking %s", s)
	}
	return string(b), nil
}
