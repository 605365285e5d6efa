package core

import (
	"fmt"
	"time"
)

type Config struct {
	Dir string // repo root

	Identity  IdentityConfig
	Pack      PackConfig
	Catalog   CatalogConfig
	Transform TransformConfig
	Chunking  ChunkingConfig
	Limits    LimitsConfig
	GC        GCConfig
	Remote    RemoteConfig

	Network  NetworkConfig
	Conn     ConnConfig
	DHT      DHTConfig
	Exchange ExchangeConfig
	HTTP     HTTPConfig
}

type IdentityConfig struct {
	KeyFile string // ed25519 private key; generated on first start when missing
}

type PackConfig struct {
	Dir             string
	TargetPackBytes uint64
	CacheBlocks     int // ARC cache entries fronting pack reads; 0 disables
}

type CatalogConfig struct {
	Dir     string
	Backend string // "pebble" (default) or "badger"
}

type TransformConfig struct {
	Name      string // "none" or "zstd"
	ZstdLevel int
}

type ChunkingConfig struct {
	Min int
	Avg int
	Max int
}

type LimitsConfig struct {
	MaxBlockBytes      uint64
	MaxLinksPerNode    uint32
	MaxWireMessageSize uint64
}

type GCConfig struct {
	Enabled  bool
	RunEvery time.Duration
}

// RemoteConfig is the object-storage repo switch (IPFS_S3_REPO_ENABLED).
type RemoteConfig struct {
	Enabled         bool
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type NetworkConfig struct {
	ListenAddrs    []string // multiaddrs, e.g. /ip4/0.0.0.0/udp/4011/quic-v1
	BootstrapPeers []string // multiaddrs with a trailing /p2p/<peer id>
}

type ConnConfig struct {
	DialTimeout      time.Duration
	GracePeriod      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

type DHTConfig struct {
	Mode            DHTMode
	K               int
	Alpha           int
	RoundTimeout    time.Duration
	LookupTimeout   time.Duration
	ProviderTTL     time.Duration
	ReprovideEvery  time.Duration
	SweepEvery      time.Duration
	RefreshInterval time.Duration
	ProvideRetries  int
	RandomWalk      bool
}

type ExchangeConfig struct {
	WantTimeout        time.Duration
	MaxOutstandingWant int // per peer
	MaxProviders       int // providers pulled from the DHT per want
	ServeWorkers       int
}

type HTTPConfig struct {
	APIAddr     string
	GatewayAddr string
	HealthAddr  string
	GatewayOnly bool
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		DialTimeout:      10 * time.Second,
		GracePeriod:      30 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       5 * time.Minute,
		FailureThreshold: 5,
		Cooldown:         10 * time.Minute,
	}
}

func DefaultDHTConfig() DHTConfig {
	return DHTConfig{
		Mode:            DHTModeClient,
		K:               20,
		Alpha:           3,
		RoundTimeout:    5 * time.Second,
		LookupTimeout:   time.Minute,
		ProviderTTL:     24 * time.Hour,
		ReprovideEvery:  12 * time.Hour,
		SweepEvery:      time.Hour,
		RefreshInterval: time.Hour,
		ProvideRetries:  3,
		RandomWalk:      true,
	}
}

func DefaultExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		WantTimeout:        30 * time.Second,
		MaxOutstandingWant: 128,
		MaxProviders:       10,
		ServeWorkers:       8,
	}
}

// DefaultConfig returns a complete configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:       dir,
		Pack:      PackConfig{TargetPackBytes: 64 << 20, CacheBlocks: 1024},
		Catalog:   CatalogConfig{Backend: "pebble"},
		Transform: TransformConfig{Name: "none"},
		Chunking:  ChunkingConfig{Min: 64 << 10, Avg: 256 << 10, Max: 1 << 20},
		Limits: LimitsConfig{
			MaxBlockBytes:      2 << 20,
			MaxLinksPerNode:    1 << 16,
			MaxWireMessageSize: 4 << 20,
		},
		GC: GCConfig{RunEvery: time.Hour},
		Network: NetworkConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/udp/4011/quic-v1"},
		},
		Conn:     DefaultConnConfig(),
		DHT:      DefaultDHTConfig(),
		Exchange: DefaultExchangeConfig(),
		HTTP: HTTPConfig{
			APIAddr:     "0.0.0.0:5011",
			GatewayAddr: "0.0.0.0:9011",
			HealthAddr:  "0.0.0.0:8011",
		},
	}
}

// Validate reports fatal startup problems as ErrConfig.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: repo directory not set", ErrConfig)
	}
	switch c.Catalog.Backend {
	case "", "pebble", "badger":
	default:
		return fmt.Errorf("%w: unknown catalog backend %q", ErrConfig, c.Catalog.Backend)
	}
	switch c.Transform.Name {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("%w: unsupported transform %q", ErrConfig, c.Transform.Name)
	}
	switch c.DHT.Mode {
	case "", DHTModeServer, DHTModeClient:
	default:
		return fmt.Errorf("%w: unknown dht mode %q", ErrConfig, c.DHT.Mode)
	}
	if c.Remote.Enabled {
		if c.Remote.Bucket == "" || c.Remote.AccessKeyID == "" || c.Remote.SecretAccessKey == "" {
			return fmt.Errorf("%w: remote repo enabled without bucket or credentials", ErrConfig)
		}
		return fmt.Errorf("%w: remote repo backend is not available in this build", ErrConfig)
	}
	if c.Chunking.Max > 0 && uint64(c.Chunking.Max) > c.Limits.MaxBlockBytes && c.Limits.MaxBlockBytes > 0 {
		return fmt.Errorf("%w: chunk max %d exceeds block limit %d", ErrConfig, c.Chunking.Max, c.Limits.MaxBlockBytes)
	}
	return nil
}
