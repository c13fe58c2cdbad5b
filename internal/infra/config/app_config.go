// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultStreamAddr       = ":8090"
	defaultStreamBuffer     = 256
	defaultPostgresPageSize = 256
	defaultSyntheticCount   = 100
	defaultSyntheticSources = 5
	defaultServiceName      = "logmerge"
)

// MergeConfig selects the merge strategy.
type MergeConfig struct {
	Mode string `yaml:"mode"`
}

// EntryConfig is an inline log entry for memory sources.
type EntryConfig struct {
	At      time.Time         `yaml:"at"`
	Message string            `yaml:"msg"`
	Fields  map[string]string `yaml:"fields"`
}

// SourceConfig describes one input stream. Which fields apply depends on Kind.
type SourceConfig struct {
	Name string     `yaml:"name"`
	Kind SourceKind `yaml:"kind"`

	// jsonl, csv
	Path string `yaml:"path"`

	// memory
	Entries []EntryConfig `yaml:"entries"`

	// synthetic
	Count int   `yaml:"count"`
	Seed  int64 `yaml:"seed"`

	// postgres
	Stream   string `yaml:"stream"`
	PageSize int    `yaml:"pageSize"`

	// Latency delays every pull, simulating a remote source. Rate caps pulls per second.
	Latency time.Duration `yaml:"latency"`
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
}

// ThrottleConfig caps the rate at which entries reach the sink.
type ThrottleConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Enabled reports whether throttling applies.
func (c ThrottleConfig) Enabled() bool {
	return c.Rate > 0
}

// SinkConfig describes the output chain.
type SinkConfig struct {
	Kind       SinkKind       `yaml:"kind"`
	Path       string         `yaml:"path"`
	CheckOrder bool           `yaml:"checkOrder"`
	Filter     string         `yaml:"filter"`
	Throttle   ThrottleConfig `yaml:"throttle"`
	BatchSize  int            `yaml:"batchSize"`
}

// StreamConfig configures the websocket server that republishes merged entries.
type StreamConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Addr          string              `yaml:"addr"`
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting accepts an integer, "auto", or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count.
func (c StreamConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/logmerge"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified logmerge configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Merge       MergeConfig     `yaml:"merge"`
	Sources     []SourceConfig  `yaml:"sources"`
	Sink        SinkConfig      `yaml:"sink"`
	Stream      StreamConfig    `yaml:"stream"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
}

// Default returns a self-contained configuration: synthetic sources merged to the console.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Merge:       MergeConfig{Mode: "pipelined"},
		Sink:        SinkConfig{Kind: SinkConsole, CheckOrder: true},
	}
	for i := range defaultSyntheticSources {
		cfg.Sources = append(cfg.Sources, SourceConfig{
			Name:    fmt.Sprintf("synthetic-%d", i),
			Kind:    SourceSynthetic,
			Count:   defaultSyntheticCount,
			Seed:    int64(i + 1),
			Latency: 2 * time.Millisecond,
		})
	}
	if err := cfg.normalise(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()
	return Parse(reader)
}

// LoadOrDefault loads configPath, or returns Default when the path is empty.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	return Load(ctx, configPath)
}

// Parse decodes, normalises and validates YAML configuration.
func Parse(r io.Reader) (AppConfig, error) {
	bytes, err := io.ReadAll(r)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Merge.Mode = normalizeName(c.Merge.Mode)
	if c.Merge.Mode == "" {
		c.Merge.Mode = "pipelined"
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Kind = SourceKind(normalizeName(string(src.Kind)))
		src.Name = strings.TrimSpace(src.Name)
		if src.Name == "" {
			src.Name = fmt.Sprintf("%s-%d", src.Kind, i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
		src.Path = strings.TrimSpace(src.Path)
		if src.Path != "" {
			src.Path = filepath.Clean(src.Path)
		}
		src.Stream = strings.TrimSpace(src.Stream)
		if src.Kind == SourceSynthetic && src.Count == 0 {
			src.Count = defaultSyntheticCount
		}
		if src.Kind == SourcePostgres && src.PageSize <= 0 {
			src.PageSize = defaultPostgresPageSize
		}
		if src.Rate > 0 && src.Burst <= 0 {
			src.Burst = 1
		}
	}

	c.Sink.Kind = SinkKind(normalizeName(string(c.Sink.Kind)))
	if c.Sink.Kind == "" {
		c.Sink.Kind = SinkConsole
	}
	c.Sink.Path = strings.TrimSpace(c.Sink.Path)
	c.Sink.Filter = strings.TrimSpace(c.Sink.Filter)
	if c.Sink.Throttle.Rate > 0 && c.Sink.Throttle.Burst <= 0 {
		c.Sink.Throttle.Burst = 1
	}
	if c.Sink.BatchSize <= 0 {
		c.Sink.BatchSize = 128
	}

	c.Stream.Addr = strings.TrimSpace(c.Stream.Addr)
	if c.Stream.Addr == "" {
		c.Stream.Addr = defaultStreamAddr
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = defaultStreamBuffer
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}

	c.Database.applyDefaults()
	return nil
}

// NeedsDatabase reports whether any configured component talks to PostgreSQL.
func (c AppConfig) NeedsDatabase() bool {
	if c.Sink.Kind == SinkPostgres {
		return true
	}
	for _, src := range c.Sources {
		if src.Kind == SourcePostgres {
			return true
		}
	}
	return false
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Merge.Mode {
	case "sync", "pipelined", "async":
	default:
		return fmt.Errorf("merge mode must be one of sync, pipelined")
	}

	for i, src := range c.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("sources[%d] %s: %w", i, src.Name, err)
		}
	}

	if err := c.Sink.validate(); err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	if c.Stream.Enabled {
		if c.Stream.Addr == "" {
			return fmt.Errorf("stream addr required when enabled")
		}
		if c.Stream.BufferSize <= 0 {
			return fmt.Errorf("stream bufferSize must be >0")
		}
		if c.Stream.FanoutWorkerCount() <= 0 {
			return fmt.Errorf("stream fanoutWorkers must be >0")
		}
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func (s SourceConfig) validate() error {
	switch s.Kind {
	case SourceMemory:
		for i := 1; i < len(s.Entries); i++ {
			if s.Entries[i].At.Before(s.Entries[i-1].At) {
				return fmt.Errorf("entries must be chronological (entry %d)", i)
			}
		}
	case SourceSynthetic:
		if s.Count < 0 {
			return fmt.Errorf("count must be >=0")
		}
	case SourceJSONLines, SourceCSV:
		if s.Path == "" {
			return fmt.Errorf("path required")
		}
	case SourcePostgres:
		if s.Stream == "" {
			return fmt.Errorf("stream required")
		}
		if s.PageSize <= 0 {
			return fmt.Errorf("pageSize must be >0")
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	if s.Latency < 0 {
		return fmt.Errorf("latency must be >=0")
	}
	if s.Rate < 0 {
		return fmt.Errorf("rate must be >=0")
	}
	return nil
}

func (s SinkConfig) validate() error {
	switch s.Kind {
	case SinkConsole, SinkPostgres, SinkDiscard:
	case SinkJSONLines:
		if s.Path == "" {
			return fmt.Errorf("path required for jsonl sink")
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	if s.Throttle.Rate < 0 {
		return fmt.Errorf("throttle rate must be >=0")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
