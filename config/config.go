package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/blockberries/headerberry/types"
)

// Config is the main configuration for a headerberry node.
type Config struct {
	Node     NodeConfig     `toml:"node"`
	Network  NetworkConfig  `toml:"network"`
	State    StateConfig    `toml:"state"`
	Verifier VerifierConfig `toml:"verifier"`
	Worker   WorkerConfig   `toml:"worker"`
	Sync     SyncConfig     `toml:"sync"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`
	RPC      RPCConfig      `toml:"rpc"`
	Logging  LoggingConfig  `toml:"logging"`
}

// NodeConfig contains chain configuration.
type NodeConfig struct {
	// ChainID names the chain being followed.
	ChainID string `toml:"chain_id"`

	// GenesisHash is where sync starts on an empty index, in display hex.
	// An all-zero hash makes sync start at the first header the peer has.
	GenesisHash string `toml:"genesis_hash"`
}

// NetworkConfig contains the header source configuration.
type NetworkConfig struct {
	// ArchivePath is the header archive served to the sync loop.
	ArchivePath string `toml:"archive_path"`

	// PeerID overrides the archive peer ID. Empty derives one from ArchivePath.
	PeerID string `toml:"peer_id"`
}

// StateConfig contains header index configuration.
type StateConfig struct {
	// Backend is the index backend ("memory", "leveldb" or "badgerdb").
	Backend string `toml:"backend"`

	// Path is the directory for durable backends.
	Path string `toml:"path"`

	// CacheSize is the decoded header cache size. Zero disables the cache.
	CacheSize int `toml:"cache_size"`
}

// VerifierConfig contains header verification configuration.
type VerifierConfig struct {
	// MaxFutureDrift is how far ahead of the local clock a header may be.
	MaxFutureDrift Duration `toml:"max_future_drift"`

	// SolutionSize is the required Equihash solution length in bytes.
	SolutionSize int `toml:"solution_size"`

	// BatchSize enables batched proof-of-work checks when positive.
	BatchSize int `toml:"batch_size"`

	// BatchLatency is the longest a queued proof-of-work check waits for its
	// batch to fill.
	BatchLatency Duration `toml:"batch_latency"`
}

// WorkerConfig contains request worker configuration.
type WorkerConfig struct {
	// MailboxSize is the number of index requests that may queue.
	MailboxSize int `toml:"mailbox_size"`
}

// SyncConfig contains header sync configuration.
type SyncConfig struct {
	// ChunkSize is the most hashes in one header download.
	ChunkSize int `toml:"chunk_size"`

	// MaxInFlight is the most header downloads outstanding at once.
	MaxInFlight int `toml:"max_in_flight"`

	// PollInterval is the time between sync rounds once caught up.
	PollInterval Duration `toml:"poll_interval"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether metrics collection is active.
	Enabled bool `toml:"enabled"`

	// Namespace is the Prometheus metrics namespace prefix.
	Namespace string `toml:"namespace"`

	// ListenAddr is the address to serve metrics on (e.g., ":9090").
	ListenAddr string `toml:"listen_addr"`
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled bool `toml:"enabled"`

	// Exporter is one of "none", "stdout", "otlp-grpc", "otlp-http",
	// "jaeger" or "zipkin".
	Exporter string `toml:"exporter"`

	// Endpoint is the collector address. Zipkin takes a full URL.
	Endpoint string `toml:"endpoint"`

	// SampleRate is the fraction of traces kept, from 0 to 1.
	SampleRate float64 `toml:"sample_rate"`

	Insecure    bool   `toml:"insecure"`
	Environment string `toml:"environment"`
}

// RPCConfig contains the JSON-RPC query server configuration.
type RPCConfig struct {
	Enabled bool `toml:"enabled"`

	// ListenAddr is the address to serve JSON-RPC on.
	ListenAddr string `toml:"listen_addr"`

	// RateLimit is the number of requests per second allowed from one
	// client address. Zero disables rate limiting.
	RateLimit float64 `toml:"rate_limit"`

	// RateBurst is how many requests a client may make at once.
	RateBurst int `toml:"rate_burst"`

	// MaxBatchSize caps the number of calls in one batch request.
	MaxBatchSize int `toml:"max_batch_size"`

	// MaxBodyBytes caps the size of a request body.
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `toml:"level"`

	// Format is the log output format ("text" or "json").
	Format string `toml:"format"`

	// Output is the log output destination ("stdout", "stderr", or a file path).
	Output string `toml:"output"`
}

// Duration is a wrapper around time.Duration for TOML unmarshaling.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ChainID:     "zcash-mainnet",
			GenesisHash: types.MainnetGenesisHash.String(),
		},
		Network: NetworkConfig{
			ArchivePath: "headers.txt",
		},
		State: StateConfig{
			Backend:   "leveldb",
			Path:      "data/headers",
			CacheSize: 4096,
		},
		Verifier: VerifierConfig{
			MaxFutureDrift: Duration(2 * time.Hour),
			SolutionSize:   1344,
			BatchSize:      0,
			BatchLatency:   Duration(10 * time.Millisecond),
		},
		Worker: WorkerConfig{
			MailboxSize: 64,
		},
		Sync: SyncConfig{
			ChunkSize:    10,
			MaxInFlight:  500,
			PollInterval: Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Namespace:  "headerberry",
			ListenAddr: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "none",
			Endpoint:    "localhost:4317",
			SampleRate:  0.1,
			Insecure:    true,
			Environment: "development",
		},
		RPC: RPCConfig{
			Enabled:      false,
			ListenAddr:   "127.0.0.1:8232",
			RateLimit:    50,
			RateBurst:    100,
			MaxBatchSize: 100,
			MaxBodyBytes: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from a TOML file.
// Missing values are filled with defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validation errors.
var (
	ErrEmptyChainID           = errors.New("chain_id cannot be empty")
	ErrInvalidGenesisHash     = errors.New("genesis_hash must be a 64 character hex hash")
	ErrEmptyArchivePath       = errors.New("archive_path cannot be empty")
	ErrInvalidPeerID          = errors.New("peer_id is not a valid peer ID")
	ErrInvalidStateBackend    = errors.New("state backend must be 'memory', 'leveldb' or 'badgerdb'")
	ErrEmptyStatePath         = errors.New("state path cannot be empty for durable backends")
	ErrInvalidStateCacheSize  = errors.New("state cache_size must be non-negative")
	ErrInvalidMaxFutureDrift  = errors.New("verifier max_future_drift must be non-negative")
	ErrInvalidSolutionSize    = errors.New("verifier solution_size must be positive")
	ErrInvalidBatchSize       = errors.New("verifier batch_size must be non-negative")
	ErrInvalidBatchLatency    = errors.New("verifier batch_latency must be positive when batching")
	ErrInvalidMailboxSize     = errors.New("worker mailbox_size must be positive")
	ErrInvalidChunkSize       = errors.New("sync chunk_size must be positive")
	ErrInvalidMaxInFlight     = errors.New("sync max_in_flight must be positive")
	ErrInvalidPollInterval    = errors.New("sync poll_interval must be positive")
	ErrEmptyMetricsNamespace  = errors.New("metrics namespace cannot be empty when enabled")
	ErrEmptyMetricsListenAddr = errors.New("metrics listen_addr cannot be empty when enabled")
	ErrInvalidExporter        = errors.New("tracing exporter must be one of: none, stdout, otlp-grpc, otlp-http, jaeger, zipkin")
	ErrInvalidSampleRate      = errors.New("tracing sample_rate must be between 0 and 1")
	ErrEmptyRPCListenAddr     = errors.New("rpc listen_addr cannot be empty when enabled")
	ErrInvalidRateLimit       = errors.New("rpc rate_limit must be non-negative")
	ErrInvalidRateBurst       = errors.New("rpc rate_burst must be positive when rate limiting")
	ErrInvalidMaxBatchSize    = errors.New("rpc max_batch_size must be positive")
	ErrInvalidMaxBodyBytes    = errors.New("rpc max_body_bytes must be positive")
	ErrInvalidLogLevel        = errors.New("log level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat       = errors.New("log format must be 'text' or 'json'")
	ErrEmptyLogOutput         = errors.New("log output cannot be empty")
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network config: %w", err)
	}
	if err := c.State.Validate(); err != nil {
		return fmt.Errorf("state config: %w", err)
	}
	if err := c.Verifier.Validate(); err != nil {
		return fmt.Errorf("verifier config: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}
	if err := c.RPC.Validate(); err != nil {
		return fmt.Errorf("rpc config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate checks the node configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.ChainID == "" {
		return ErrEmptyChainID
	}
	if _, err := c.Genesis(); err != nil {
		return err
	}
	return nil
}

// Genesis returns the parsed genesis hash.
func (c *NodeConfig) Genesis() (types.Hash, error) {
	if len(c.GenesisHash) != 2*types.HashSize {
		return types.Hash{}, ErrInvalidGenesisHash
	}
	h, err := types.HashFromHex(c.GenesisHash)
	if err != nil {
		return types.Hash{}, fmt.Errorf("%w: %w", ErrInvalidGenesisHash, err)
	}
	return h, nil
}

// Validate checks the network configuration for errors.
func (c *NetworkConfig) Validate() error {
	if c.ArchivePath == "" {
		return ErrEmptyArchivePath
	}
	if c.PeerID != "" {
		if _, err := peer.Decode(c.PeerID); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPeerID, err)
		}
	}
	return nil
}

// Validate checks the state configuration for errors.
func (c *StateConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "leveldb", "badgerdb":
		if c.Path == "" {
			return ErrEmptyStatePath
		}
	default:
		return ErrInvalidStateBackend
	}
	if c.CacheSize < 0 {
		return ErrInvalidStateCacheSize
	}
	return nil
}

// IsDurable reports whether the backend keeps headers on disk.
func (c *StateConfig) IsDurable() bool {
	return c.Backend == "leveldb" || c.Backend == "badgerdb"
}

// Validate checks the verifier configuration for errors.
func (c *VerifierConfig) Validate() error {
	if c.MaxFutureDrift.Duration() < 0 {
		return ErrInvalidMaxFutureDrift
	}
	if c.SolutionSize <= 0 {
		return ErrInvalidSolutionSize
	}
	if c.BatchSize < 0 {
		return ErrInvalidBatchSize
	}
	if c.BatchSize > 0 && c.BatchLatency.Duration() <= 0 {
		return ErrInvalidBatchLatency
	}
	return nil
}

// Validate checks the worker configuration for errors.
func (c *WorkerConfig) Validate() error {
	if c.MailboxSize <= 0 {
		return ErrInvalidMailboxSize
	}
	return nil
}

// Validate checks the sync configuration for errors.
func (c *SyncConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if c.MaxInFlight <= 0 {
		return ErrInvalidMaxInFlight
	}
	if c.PollInterval.Duration() <= 0 {
		return ErrInvalidPollInterval
	}
	return nil
}

// Validate checks the metrics configuration for errors.
func (c *MetricsConfig) Validate() error {
	if c.Enabled {
		if c.Namespace == "" {
			return ErrEmptyMetricsNamespace
		}
		if c.ListenAddr == "" {
			return ErrEmptyMetricsListenAddr
		}
	}
	return nil
}

// Validate checks the tracing configuration for errors.
func (c *TracingConfig) Validate() error {
	switch c.Exporter {
	case "", "none", "stdout", "otlp", "otlp-grpc", "otlp-http", "jaeger", "zipkin":
	default:
		return ErrInvalidExporter
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return ErrInvalidSampleRate
	}
	return nil
}

// Validate checks the RPC configuration for errors.
func (c *RPCConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ListenAddr == "" {
		return ErrEmptyRPCListenAddr
	}
	if c.RateLimit < 0 {
		return ErrInvalidRateLimit
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return ErrInvalidRateBurst
	}
	if c.MaxBatchSize <= 0 {
		return ErrInvalidMaxBatchSize
	}
	if c.MaxBodyBytes <= 0 {
		return ErrInvalidMaxBodyBytes
	}
	return nil
}

// Validate checks the logging configuration for errors.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return ErrInvalidLogLevel
	}

	switch c.Format {
	case "text", "json":
		// Valid formats
	default:
		return ErrInvalidLogFormat
	}

	if c.Output == "" {
		return ErrEmptyLogOutput
	}

	return nil
}

// WriteConfigFile writes the configuration to a TOML file.
func WriteConfigFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// EnsureDataDirs creates the data directories specified in the configuration.
func (c *Config) EnsureDataDirs() error {
	var dirs []string
	if c.State.IsDurable() {
		dirs = append(dirs, c.State.Path)
	}
	dirs = append(dirs, filepath.Dir(c.Network.ArchivePath))

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	return nil
}
