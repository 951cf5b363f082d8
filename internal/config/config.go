// Package config loads rollcall settings from a YAML file and the
// environment.
//
// The file is validated against an embedded CUE schema before it is decoded,
// so typos and out-of-range values are reported with their position instead
// of silently falling back to defaults. Environment variables (ROLLCALL_*)
// override the file.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/policy"
)

//go:embed schema.cue
var schemaCUE string

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendCSV    = "csv"
)

// Config is the full runtime configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	IDBase   int64  `yaml:"id_base"`
	Timezone string `yaml:"timezone"`

	Ledger      LedgerConfig      `yaml:"ledger"`
	History     HistoryConfig     `yaml:"history"`
	Snapshots   SnapshotConfig    `yaml:"snapshots"`
	Policy      PolicyConfig      `yaml:"policy"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

type LedgerConfig struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`         // sqlite database or students.csv
	HistoryPath  string        `yaml:"history_path"` // csv backend only
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type HistoryConfig struct {
	RecordRejections bool          `yaml:"record_rejections"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
}

type SnapshotConfig struct {
	Dir           string `yaml:"dir"`
	EnrollmentDir string `yaml:"enrollment_dir"`
	Size          int    `yaml:"size"`
	Quality       int    `yaml:"quality"`
	QueueSize     int    `yaml:"queue_size"`
}

type PolicyConfig struct {
	Kind     string        `yaml:"kind"`
	Cooldown time.Duration `yaml:"cooldown"`
	Window   WindowConfig  `yaml:"window"`
}

type WindowConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// RecognitionConfig is the confidence acceptance threshold. With
// LowerIsBetter the matcher reports a distance (LBPH style) and values up to
// Threshold are accepted; otherwise it reports a score and values from
// Threshold up are accepted.
type RecognitionConfig struct {
	Threshold     float64 `yaml:"threshold"`
	LowerIsBetter bool    `yaml:"lower_is_better"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when nothing is supplied.
func Default() *Config {
	return &Config{
		DataDir:  "Data",
		IDBase:   model.DefaultIDBase,
		Timezone: "Local",
		Ledger: LedgerConfig{
			Backend:      BackendSQLite,
			WriteTimeout: 5 * time.Second,
		},
		History: HistoryConfig{
			RetryInterval: 2 * time.Second,
		},
		Snapshots: SnapshotConfig{
			Size:      200,
			Quality:   85,
			QueueSize: 64,
		},
		Policy: PolicyConfig{
			Kind:     string(policy.DefaultKind),
			Cooldown: policy.DefaultCooldown,
			Window:   WindowConfig{Start: "00:00", End: "23:59"},
		},
		Recognition: RecognitionConfig{
			Threshold:     70,
			LowerIsBetter: true,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path (if non-empty and present), applies environment overrides,
// fills derived paths and validates the result. A missing file at the default
// location is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := Parse(path, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over cfg.
func Parse(filename string, data []byte, cfg *Config) error {
	if err := validateSchema(filename, data); err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", filename, err)
	}
	return nil
}

// validateSchema unifies the YAML document with #Config.
func validateSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config %s: %s", filename, cueerrors.Details(err, nil))
	}
	return nil
}

// resolvePaths fills unset file locations below DataDir.
func (c *Config) resolvePaths() {
	if c.Ledger.Path == "" {
		if c.Ledger.Backend == BackendCSV {
			c.Ledger.Path = filepath.Join(c.DataDir, "students.csv")
		} else {
			c.Ledger.Path = filepath.Join(c.DataDir, "rollcall.db")
		}
	}
	if c.Ledger.HistoryPath == "" {
		c.Ledger.HistoryPath = filepath.Join(c.DataDir, "attendance_history.csv")
	}
	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = filepath.Join(c.DataDir, "Snapshots")
	}
	if c.Snapshots.EnrollmentDir == "" {
		c.Snapshots.EnrollmentDir = filepath.Join(c.DataDir, "Images")
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.DataDir, ".cache", "system.txt")
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if _, err := c.PolicyConfig(); err != nil {
		return err
	}
	if c.Ledger.Backend != BackendSQLite && c.Ledger.Backend != BackendCSV {
		return fmt.Errorf("invalid ledger backend %q", c.Ledger.Backend)
	}
	if c.Policy.Cooldown < policy.MinCooldown {
		return fmt.Errorf("policy cooldown %s must be at least %s", c.Policy.Cooldown, policy.MinCooldown)
	}
	if c.Ledger.WriteTimeout <= 0 {
		return fmt.Errorf("ledger write_timeout must be positive")
	}
	if c.History.RetryInterval <= 0 {
		return fmt.Errorf("history retry_interval must be positive")
	}
	if c.IDBase <= 0 {
		return fmt.Errorf("id_base must be positive")
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
		return loc, nil
	}
}

// PolicyConfig converts the policy section into a policy.Config.
func (c *Config) PolicyConfig() (policy.Config, error) {
	kind, err := policy.ParseKind(c.Policy.Kind)
	if err != nil {
		return policy.Config{}, err
	}
	loc, err := c.Location()
	if err != nil {
		return policy.Config{}, err
	}
	pc := policy.Config{Kind: kind, Cooldown: c.Policy.Cooldown, Location: loc}
	if c.Policy.Window.Start != "" || c.Policy.Window.End != "" {
		start, end := c.Policy.Window.Start, c.Policy.Window.End
		if start == "" {
			start = "00:00"
		}
		if end == "" {
			end = "23:59"
		}
		w, err := policy.NewWindow(start, end)
		if err != nil {
			return policy.Config{}, err
		}
		pc.Window = w
	}
	return pc, nil
}

// applyEnv overrides settings from ROLLCALL_* variables.
func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("ROLLCALL_DATA_DIR", &c.DataDir)
	str("ROLLCALL_TIMEZONE", &c.Timezone)
	str("ROLLCALL_BACKEND", &c.Ledger.Backend)
	str("ROLLCALL_LEDGER_PATH", &c.Ledger.Path)
	str("ROLLCALL_POLICY", &c.Policy.Kind)
	str("ROLLCALL_WINDOW_START", &c.Policy.Window.Start)
	str("ROLLCALL_WINDOW_END", &c.Policy.Window.End)
	str("ROLLCALL_SERVER_ADDR", &c.Server.Addr)
	str("ROLLCALL_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("ROLLCALL_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ROLLCALL_COOLDOWN: %w", err)
		}
		c.Policy.Cooldown = d
	}
	if v := os.Getenv("ROLLCALL_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ROLLCALL_THRESHOLD: %w", err)
		}
		c.Recognition.Threshold = f
	}
	if v := os.Getenv("ROLLCALL_ID_BASE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ROLLCALL_ID_BASE: %w", err)
		}
		c.IDBase = n
	}
	return nil
}
