// Package config provides configuration loading and management for the ingest server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-ingest/internal/telemetry"
)

// EnvPrefix is the prefix used for environment variable overrides
const EnvPrefix = "THV_INGEST"

const (
	// SourceTypeFile is the type for sources read from local JSON Lines files
	SourceTypeFile = "file"

	// SourceTypeAPI is the type for sources fetched from paginated HTTP endpoints
	SourceTypeAPI = "api"
)

const (
	// StorageTypeDatabase stores checkpoints and runs in PostgreSQL
	StorageTypeDatabase = "database"

	// StorageTypeFile stores checkpoints on the local filesystem and runs in memory
	StorageTypeFile = "file"
)

const (
	// DefaultBatchSize is the number of records committed per batch
	DefaultBatchSize = 100
	// DefaultWorkers is the default size of the offload worker pool
	DefaultWorkers = 4
	// DefaultQueueSize is the default depth of the offload queue
	DefaultQueueSize = 64
	// DefaultChunkSize is the number of cache entries removed per transaction
	DefaultChunkSize = 1000
	// DefaultProbeAttempts is the bound on reconnect attempts for a failed liveness probe
	DefaultProbeAttempts = 3
	// DefaultProgressBuffer is the per-subscriber progress buffer
	DefaultProgressBuffer = 64
	// DefaultAPIPageSize is the page size requested from API sources
	DefaultAPIPageSize = 100
	// DefaultFilePageSize is the number of lines read per fetch from file sources
	DefaultFilePageSize = 1000
	// DefaultItemsPath is the GJSON path of the records in an API page
	DefaultItemsPath = "items"
	// DefaultNextPath is the GJSON path of the next offset in an API page
	DefaultNextPath = "next"

	defaultKeepAliveInterval = 30 * time.Second
	defaultProbeTimeout      = 5 * time.Second
	defaultInitialBackoff    = 200 * time.Millisecond

	// stateDirName is the per-user state subdirectory used when storage.dir is unset
	stateDirName = "thv-ingest"
)

// DefaultStateDir returns the file storage directory used when none is configured:
// thv-ingest under the XDG state home, e.g. ~/.local/state/thv-ingest
func DefaultStateDir() string {
	return filepath.Join(xdg.StateHome, stateDirName)
}

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Storage   StorageConfig     `yaml:"storage"`
	Database  *DatabaseConfig   `yaml:"database,omitempty"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Offload   OffloadConfig     `yaml:"offload"`
	Keeper    KeeperConfig      `yaml:"keeper"`
	Cache     CacheConfig       `yaml:"cache"`
	Views     ViewsConfig       `yaml:"views"`
	Progress  ProgressConfig    `yaml:"progress"`
	Sources   []SourceConfig    `yaml:"sources" validate:"required,min=1,dive"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// StorageConfig selects where checkpoints and run history live
type StorageConfig struct {
	// Type is either "database" (default) or "file"
	Type string `yaml:"type,omitempty" validate:"omitempty,oneof=database file"`

	// Dir is the directory used for file-backed checkpoints
	Dir string `yaml:"dir,omitempty"`
}

// PipelineConfig holds orchestration settings
type PipelineConfig struct {
	// BatchSize is the number of records accumulated before a commit
	BatchSize int `yaml:"batchSize,omitempty" validate:"gte=0"`

	// Schedule is the interval between scheduled runs (e.g. "1h"). Empty disables scheduling.
	Schedule string `yaml:"schedule,omitempty"`
}

// OffloadConfig sizes the worker pool used for blocking work
type OffloadConfig struct {
	Workers   int `yaml:"workers,omitempty" validate:"gte=0"`
	QueueSize int `yaml:"queueSize,omitempty" validate:"gte=0"`
}

// KeeperConfig controls datastore liveness probing
type KeeperConfig struct {
	// Interval between keepalive probes during long-running sources
	Interval string `yaml:"interval,omitempty"`

	// MaxAttempts bounds reconnect attempts before a probe is reported as lost
	MaxAttempts int `yaml:"maxAttempts,omitempty" validate:"gte=0"`

	// ProbeTimeout bounds a single probe round-trip
	ProbeTimeout string `yaml:"probeTimeout,omitempty"`

	// InitialBackoff is the first delay between probe attempts; it doubles per attempt
	InitialBackoff string `yaml:"initialBackoff,omitempty"`
}

// CacheConfig controls cache invalidation
type CacheConfig struct {
	ChunkSize int `yaml:"chunkSize,omitempty" validate:"gte=0"`
}

// ViewsConfig lists the materialized views refreshed after a run
type ViewsConfig struct {
	Names        []string `yaml:"names,omitempty"`
	Concurrently bool     `yaml:"concurrently,omitempty"`
}

// ProgressConfig controls progress event fan-out
type ProgressConfig struct {
	BufferSize int `yaml:"bufferSize,omitempty" validate:"gte=0"`
}

// SourceConfig defines a single external source
type SourceConfig struct {
	// Name is the unique identifier of the source; it keys the checkpoint
	Name string `yaml:"name" validate:"required"`

	// Type is the adapter variant: file or api
	Type string `yaml:"type" validate:"required,oneof=file api"`

	// Priority orders sources within a run; lower runs first
	Priority int `yaml:"priority,omitempty"`

	// Namespaces are the cache namespaces dirtied when this source commits data
	Namespaces []string `yaml:"namespaces,omitempty"`

	// SchemaPath optionally points at a JSON Schema every record must satisfy
	SchemaPath string `yaml:"schemaPath,omitempty"`

	File *FileConfig `yaml:"file,omitempty"`
	API  *APIConfig  `yaml:"api,omitempty"`
}

// FileConfig defines local file source configuration
type FileConfig struct {
	// Path is the path to a JSON Lines file, one record per line
	Path string `yaml:"path" validate:"required"`

	// PageSize is the number of lines read per fetch
	PageSize int `yaml:"pageSize,omitempty" validate:"gte=0"`
}

// APIConfig defines API source configuration
type APIConfig struct {
	// Endpoint is the collection URL; offset and limit query parameters are appended
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	// PageSize is the limit requested per page
	PageSize int `yaml:"pageSize,omitempty" validate:"gte=0"`

	// Timeout is the per-request timeout (e.g. "10s")
	Timeout string `yaml:"timeout,omitempty"`

	// ItemsPath is the GJSON path of the record array in a page (default "items")
	ItemsPath string `yaml:"itemsPath,omitempty"`

	// NextPath is the GJSON path of the next offset in a page (default "next"); null or absent ends the source
	NextPath string `yaml:"nextPath,omitempty"`

	// RequestsPerSecond limits the request rate; zero means unlimited
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty" validate:"gte=0"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host" validate:"required"`

	// Port is the database server port
	Port int `yaml:"port" validate:"required,gt=0"`

	// User is the database username
	User string `yaml:"user" validate:"required"`

	// PasswordFile is the path to a file containing the database password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database" validate:"required"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from THV_INGEST_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	), nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = StorageTypeDatabase
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = DefaultStateDir()
	}
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = DefaultBatchSize
	}
	if c.Offload.Workers == 0 {
		c.Offload.Workers = DefaultWorkers
	}
	if c.Offload.QueueSize == 0 {
		c.Offload.QueueSize = DefaultQueueSize
	}
	if c.Keeper.MaxAttempts == 0 {
		c.Keeper.MaxAttempts = DefaultProbeAttempts
	}
	if c.Cache.ChunkSize == 0 {
		c.Cache.ChunkSize = DefaultChunkSize
	}
	if c.Progress.BufferSize == 0 {
		c.Progress.BufferSize = DefaultProgressBuffer
	}
	for i := range c.Sources {
		if api := c.Sources[i].API; api != nil {
			if api.PageSize == 0 {
				api.PageSize = DefaultAPIPageSize
			}
			if api.ItemsPath == "" {
				api.ItemsPath = DefaultItemsPath
			}
			if api.NextPath == "" {
				api.NextPath = DefaultNextPath
			}
		}
		if file := c.Sources[i].File; file != nil && file.PageSize == 0 {
			file.PageSize = DefaultFilePageSize
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Storage.Type == StorageTypeDatabase && c.Database == nil {
		return fmt.Errorf("database configuration is required when storage type is %s", StorageTypeDatabase)
	}

	// Sources persist into the shared datastore regardless of where checkpoints live
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	if _, err := parseOptionalDuration(c.Pipeline.Schedule); err != nil {
		return fmt.Errorf("pipeline.schedule: %w", err)
	}
	for name, value := range map[string]string{
		"keeper.interval":          c.Keeper.Interval,
		"keeper.probeTimeout":      c.Keeper.ProbeTimeout,
		"keeper.initialBackoff":    c.Keeper.InitialBackoff,
		"database.connMaxLifetime": c.Database.ConnMaxLifetime,
	} {
		if _, err := parseOptionalDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	names := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if names[src.Name] {
			return fmt.Errorf("source[%d]: duplicate source name '%s'", i, src.Name)
		}
		names[src.Name] = true

		if err := validateSourceSpecificConfig(src, fmt.Sprintf("source[%d] (%s)", i, src.Name)); err != nil {
			return err
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// validateSourceSpecificConfig checks that exactly the block matching the type is set
func validateSourceSpecificConfig(src *SourceConfig, prefix string) error {
	switch src.Type {
	case SourceTypeFile:
		if src.File == nil {
			return fmt.Errorf("%s: file configuration is required for type %s", prefix, SourceTypeFile)
		}
		if src.API != nil {
			return fmt.Errorf("%s: api configuration is not allowed for type %s", prefix, SourceTypeFile)
		}
	case SourceTypeAPI:
		if src.API == nil {
			return fmt.Errorf("%s: api configuration is required for type %s", prefix, SourceTypeAPI)
		}
		if src.File != nil {
			return fmt.Errorf("%s: file configuration is not allowed for type %s", prefix, SourceTypeAPI)
		}
		if _, err := parseOptionalDuration(src.API.Timeout); err != nil {
			return fmt.Errorf("%s: api.timeout: %w", prefix, err)
		}
	default:
		return fmt.Errorf("%s: unsupported source type %q", prefix, src.Type)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func parseOptionalDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative: %s", value)
	}
	return d, nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := parseOptionalDuration(value)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}

// ScheduleInterval returns the scheduled-run interval, or zero when scheduling is disabled
func (p PipelineConfig) ScheduleInterval() time.Duration {
	return durationOr(p.Schedule, 0)
}

// KeepAliveInterval returns the interval between keepalive probes
func (k KeeperConfig) KeepAliveInterval() time.Duration {
	return durationOr(k.Interval, defaultKeepAliveInterval)
}

// GetProbeTimeout returns the per-probe timeout
func (k KeeperConfig) GetProbeTimeout() time.Duration {
	return durationOr(k.ProbeTimeout, defaultProbeTimeout)
}

// GetInitialBackoff returns the first retry delay for probes
func (k KeeperConfig) GetInitialBackoff() time.Duration {
	return durationOr(k.InitialBackoff, defaultInitialBackoff)
}

// GetTimeout returns the per-request timeout, zero meaning the client default
func (a *APIConfig) GetTimeout() time.Duration {
	return durationOr(a.Timeout, 0)
}

// GetConnMaxLifetime returns the configured connection lifetime, zero meaning the driver default
func (d *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return durationOr(d.ConnMaxLifetime, 0)
}
