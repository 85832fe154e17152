package flowtrace

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config is the tracing snapshot supplied at construction. It is copied by
// value into the Tracer and never consulted again, so mutating a Config
// after New has no effect.
type Config struct {
	// Enabled gates the whole engine. A disabled tracer wraps nothing,
	// emits nothing, and opens no files.
	Enabled bool `envconfig:"FLOWTRACE_ENABLED" default:"true" yaml:"enabled"`

	// LogFile is the primary JSONL stream, opened in append mode. Empty
	// disables the primary stream (mirror-only operation).
	LogFile string `envconfig:"FLOWTRACE_LOGFILE" default:"flowtrace.jsonl" yaml:"logfile"`

	// Stdout mirrors every record to standard output.
	Stdout bool `envconfig:"FLOWTRACE_STDOUT" default:"false" yaml:"stdout"`

	// TruncateThreshold is the maximum inline length for the serialized
	// args and result fields. Zero or negative disables truncation and
	// segmenting entirely.
	TruncateThreshold int `envconfig:"FLOWTRACE_TRUNCATE_THRESHOLD" default:"1000" yaml:"truncate_threshold"`

	// SegmentDir receives full, untruncated records when a field
	// overflows. Created lazily on first overflow.
	SegmentDir string `envconfig:"FLOWTRACE_SEGMENT_DIR" default:"flowtrace-segments" yaml:"segment_dir"`

	// Include and Exclude are ordered glob pattern lists over subject
	// identifiers. Exclude wins; an empty include list admits everything
	// not excluded.
	Include []string `envconfig:"FLOWTRACE_INCLUDE" yaml:"include"`
	Exclude []string `envconfig:"FLOWTRACE_EXCLUDE" yaml:"exclude"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		LogFile:           "flowtrace.jsonl",
		Stdout:            false,
		TruncateThreshold: 1000,
		SegmentDir:        "flowtrace-segments",
	}
}

// LoadEnv builds a Config from defaults overridden by FLOWTRACE_*
// environment variables.
func LoadEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config from env: %w", err)
	}
	return cfg, nil
}

// LoadFile builds a Config from defaults overridden by a YAML file, then by
// FLOWTRACE_* environment variables. A missing file is not an error; the
// remaining sources still apply.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to env
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides only the variables actually set, preserving file
// values for the rest.
func applyEnv(cfg *Config) error {
	overlay, err := LoadEnv()
	if err != nil {
		return err
	}
	if _, ok := os.LookupEnv("FLOWTRACE_ENABLED"); ok {
		cfg.Enabled = overlay.Enabled
	}
	if _, ok := os.LookupEnv("FLOWTRACE_LOGFILE"); ok {
		cfg.LogFile = overlay.LogFile
	}
	if _, ok := os.LookupEnv("FLOWTRACE_STDOUT"); ok {
		cfg.Stdout = overlay.Stdout
	}
	if _, ok := os.LookupEnv("FLOWTRACE_TRUNCATE_THRESHOLD"); ok {
		cfg.TruncateThreshold = overlay.TruncateThreshold
	}
	if _, ok := os.LookupEnv("FLOWTRACE_SEGMENT_DIR"); ok {
		cfg.SegmentDir = overlay.SegmentDir
	}
	if _, ok := os.LookupEnv("FLOWTRACE_INCLUDE"); ok {
		cfg.Include = overlay.Include
	}
	if _, ok := os.LookupEnv("FLOWTRACE_EXCLUDE"); ok {
		cfg.Exclude = overlay.Exclude
	}
	return nil
}
