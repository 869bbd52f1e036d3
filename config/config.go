// Package config holds the settings of a repository.
//
// Settings come from defaults,
// then an optional YAML file
// (JSON is a subset of YAML, so a JSON file works too),
// then environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Settings configures a repository.
type Settings struct {
	ProjectsPath    string `yaml:"projects_path"`
	TempPath        string `yaml:"temp_path"`
	ArchivePath     string `yaml:"archive_path"`
	RehydrationPath string `yaml:"rehydration_path"`

	ArchivePollInterval time.Duration `yaml:"archive_poll_interval"`
	ArchiveWaitTimeout  time.Duration `yaml:"archive_wait_timeout"`
	ArchiveStaleAfter   time.Duration `yaml:"archive_stale_after"`
	MaxArchives         int           `yaml:"max_archives"`

	ListPageSize            int    `yaml:"list_page_size"`
	TransactionHistoryDepth int    `yaml:"transaction_history_depth"`
	ManifestCacheSize       int    `yaml:"manifest_cache_size"`
	HashAlgorithm           string `yaml:"hash_algorithm"`
	PublishConcurrency      int    `yaml:"publish_concurrency"`

	StorageCompression bool   `yaml:"storage_compression"`
	DeltaMode          string `yaml:"delta_mode"`
	AllowPackageDelete bool   `yaml:"allow_package_delete"`

	// WorkspaceMaxAge is the age beyond which the cleaner removes abandoned workspaces and transactions.
	WorkspaceMaxAge time.Duration `yaml:"workspace_max_age"`

	Prune Prune `yaml:"prune"`

	// Tags configures the tag service.
	// Its "type" names a registered backend;
	// the rest is passed to the backend.
	Tags map[string]interface{} `yaml:"tags"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Prune is the retention policy.
// Thresholds are in days.
type Prune struct {
	Enabled          bool     `yaml:"enabled"`
	WeeklyThreshold  int      `yaml:"weekly_threshold"`
	MonthlyThreshold int      `yaml:"monthly_threshold"`
	YearlyThreshold  int      `yaml:"yearly_threshold"`
	WeeklyKeep       int      `yaml:"weekly_keep"`
	MonthlyKeep      int      `yaml:"monthly_keep"`
	YearlyKeep       int      `yaml:"yearly_keep"`
	ProtectedTags    []string `yaml:"protected_tags"`
}

// Default produces the default settings.
func Default() *Settings {
	return &Settings{
		ProjectsPath:    "data/projects",
		TempPath:        "data/temp",
		ArchivePath:     "data/archives",
		RehydrationPath: "data/rehydrate",

		ArchivePollInterval: time.Second,
		ArchiveWaitTimeout:  10 * time.Minute,
		ArchiveStaleAfter:   10 * time.Minute,
		MaxArchives:         10,

		ListPageSize:            20,
		TransactionHistoryDepth: 10,
		ManifestCacheSize:       256,
		HashAlgorithm:           "sha256",
		PublishConcurrency:      8,

		DeltaMode:          "auto",
		AllowPackageDelete: true,
		WorkspaceMaxAge:    time.Hour,

		Prune: Prune{
			WeeklyThreshold:  7,
			MonthlyThreshold: 31,
			YearlyThreshold:  364,
			WeeklyKeep:       3,
			MonthlyKeep:      3,
			YearlyKeep:       3,
		},

		Tags: map[string]interface{}{"type": "fs"},

		LogLevel: "info",
	}
}

// Load reads the settings in the file at path over the defaults.
// An empty path means defaults only.
func Load(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", path)
	}
	defer f.Close()

	err = yaml.NewDecoder(f).Decode(s)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", path)
	}
	return s, nil
}

// Parse reads settings from YAML text over the defaults.
func Parse(b []byte) (*Settings, error) {
	s := Default()
	err := yaml.Unmarshal(b, s)
	return s, errors.Wrap(err, "decoding settings")
}

// ApplyEnv overrides settings from environment variables found with lookup,
// normally os.LookupEnv.
// A variable with an invalid value is logged and ignored.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool), log zerolog.Logger) {
	e := envReader{lookup: lookup, log: log}

	e.str("PROJECTS_PATH", &s.ProjectsPath)
	e.str("TEMP_PATH", &s.TempPath)
	e.str("ARCHIVE_PATH", &s.ArchivePath)
	e.str("REHYDRATION_PATH", &s.RehydrationPath)

	e.duration("ARCHIVE_POLL_INTERVAL", &s.ArchivePollInterval)
	e.duration("ARCHIVE_WAIT_TIMEOUT", &s.ArchiveWaitTimeout)
	e.duration("ARCHIVE_STALE_AFTER", &s.ArchiveStaleAfter)
	e.integer("MAX_ARCHIVES", &s.MaxArchives)

	e.integer("LIST_PAGE_SIZE", &s.ListPageSize)
	e.integer("TRANSACTION_HISTORY_DEPTH", &s.TransactionHistoryDepth)
	e.integer("MANIFEST_CACHE_SIZE", &s.ManifestCacheSize)
	e.str("HASH_ALGORITHM", &s.HashAlgorithm)
	e.integer("PUBLISH_CONCURRENCY", &s.PublishConcurrency)

	e.boolean("STORAGE_COMPRESSION", &s.StorageCompression)
	e.str("DELTA_MODE", &s.DeltaMode)
	e.boolean("ALLOW_PACKAGE_DELETE", &s.AllowPackageDelete)
	e.duration("WORKSPACE_MAX_AGE", &s.WorkspaceMaxAge)

	e.boolean("PRUNE", &s.Prune.Enabled)
	e.integer("PRUNE_WEEKLY_THRESHOLD", &s.Prune.WeeklyThreshold)
	e.integer("PRUNE_MONTHLY_THRESHOLD", &s.Prune.MonthlyThreshold)
	e.integer("PRUNE_YEARLY_THRESHOLD", &s.Prune.YearlyThreshold)
	e.integer("PRUNE_WEEKLY_KEEP", &s.Prune.WeeklyKeep)
	e.integer("PRUNE_MONTHLY_KEEP", &s.Prune.MonthlyKeep)
	e.integer("PRUNE_YEARLY_KEEP", &s.Prune.YearlyKeep)
	if v, ok := lookup("PRUNE_PROTECTED_TAGS"); ok {
		s.Prune.ProtectedTags = splitList(v)
	}

	if v, ok := lookup("TAGS_BACKEND"); ok && v != "" {
		s.Tags = map[string]interface{}{"type": v}
		if conn, ok := lookup("TAGS_CONN"); ok {
			s.Tags["conn"] = conn
		}
	}

	e.str("LOG_LEVEL", &s.LogLevel)
	e.boolean("LOG_JSON", &s.LogJSON)
}

type envReader struct {
	lookup func(string) (string, bool)
	log    zerolog.Logger
}

func (e envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok && v != "" {
		*dst = v
	}
}

func (e envReader) integer(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.log.Error().Str("variable", name).Str("value", v).Msg("environment variable is not a valid integer")
		return
	}
	*dst = n
}

func (e envReader) boolean(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.log.Error().Str("variable", name).Str("value", v).Msg("environment variable is not a valid boolean")
		return
	}
	*dst = b
}

func (e envReader) duration(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.log.Error().Str("variable", name).Str("value", v).Msg("environment variable is not a valid duration")
		return
	}
	*dst = d
}

func splitList(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

// TagsType is the registered name of the configured tag backend.
func (s *Settings) TagsType() string {
	typ, _ := s.Tags["type"].(string)
	return typ
}

// Validate reports the first problem with s.
func (s *Settings) Validate() error {
	for name, p := range map[string]string{
		"projects_path":    s.ProjectsPath,
		"temp_path":        s.TempPath,
		"archive_path":     s.ArchivePath,
		"rehydration_path": s.RehydrationPath,
	} {
		if p == "" {
			return errors.Errorf("%s not set", name)
		}
	}
	if s.ArchivePollInterval <= 0 || s.ArchiveWaitTimeout <= 0 || s.ArchiveStaleAfter <= 0 {
		return errors.New("archive intervals must be positive")
	}
	if s.MaxArchives < 0 {
		return errors.New("max_archives must not be negative")
	}
	if s.ListPageSize < 1 {
		return errors.New("list_page_size must be positive")
	}
	if s.TransactionHistoryDepth < 1 {
		return errors.New("transaction_history_depth must be positive")
	}
	if s.ManifestCacheSize < 1 {
		return errors.New("manifest_cache_size must be positive")
	}
	if s.PublishConcurrency < 1 {
		return errors.New("publish_concurrency must be positive")
	}
	switch s.DeltaMode {
	case "auto", "always", "off":
	default:
		return errors.Errorf("unknown delta_mode %q", s.DeltaMode)
	}
	switch strings.ToLower(s.HashAlgorithm) {
	case "sha256", "blake3":
	default:
		return errors.Errorf("unknown hash_algorithm %q", s.HashAlgorithm)
	}
	if s.TagsType() == "" {
		return errors.New("tags backend type not set")
	}
	p := s.Prune
	if p.Enabled {
		if p.WeeklyThreshold < 0 || p.WeeklyThreshold >= p.MonthlyThreshold || p.MonthlyThreshold >= p.YearlyThreshold {
			return errors.New("prune thresholds must increase from weekly to yearly")
		}
		if p.WeeklyKeep < 0 || p.MonthlyKeep < 0 || p.YearlyKeep < 0 {
			return errors.New("prune keep counts must not be negative")
		}
	}
	return nil
}
