// Package config loads the daemon configuration from a YAML file and the
// environment. Environment variables win over the file, the file wins over
// the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agenthands/blobnet/internal/logging"
	"github.com/agenthands/blobnet/pkg/core"
	"gopkg.in/yaml.v3"
)

// Environment variables understood by Load.
const (
	EnvPath           = "IPFS_PATH"
	EnvSwarmPort      = "IPFS_SWARM_TCP_PORT"
	EnvSwarmAltPort   = "IPFS_SWARM_WS_PORT"
	EnvAPIPort        = "IPFS_API_PORT"
	EnvGatewayPort    = "IPFS_GATEWAY_PORT"
	EnvHealthPort     = "IPFS_HEALTHCHECK_PORT"
	EnvGatewayOnly    = "IPFS_GATEWAY_ONLY"
	EnvDHTServerMode  = "IPFS_DHT_SERVER_MODE"
	EnvS3RepoEnabled  = "IPFS_S3_REPO_ENABLED"
	EnvBucket         = "AWS_BUCKET_NAME"
	EnvAccessKeyID    = "AWS_ACCESS_KEY_ID"
	EnvSecretKey      = "AWS_SECRET_ACCESS_KEY"
	defaultRepo       = "ipfs"
	defaultSwarmPort  = 4011
	defaultAltPort    = 4012
	defaultConfigName = "config.yaml"
)

// Config is everything the daemon needs.
type Config struct {
	Node core.Config
	Log  logging.Config
}

// File is the on-disk layout. Zero values keep the defaults.
type File struct {
	Repo     string          `yaml:"repo"`
	KeyFile  string          `yaml:"key_file"`
	Swarm    SwarmSection    `yaml:"swarm"`
	HTTP     HTTPSection     `yaml:"http"`
	DHT      DHTSection      `yaml:"dht"`
	Exchange ExchangeSection `yaml:"exchange"`
	Storage  StorageSection  `yaml:"storage"`
	GC       GCSection       `yaml:"gc"`
	S3       S3Section       `yaml:"s3"`
	Log      *logging.Config `yaml:"log"`
}

type SwarmSection struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
}

type HTTPSection struct {
	API         string `yaml:"api"`
	Gateway     string `yaml:"gateway"`
	Health      string `yaml:"health"`
	GatewayOnly bool   `yaml:"gateway_only"`
}

type DHTSection struct {
	Mode           string        `yaml:"mode"`
	K              int           `yaml:"k"`
	Alpha          int           `yaml:"alpha"`
	RoundTimeout   time.Duration `yaml:"round_timeout"`
	LookupTimeout  time.Duration `yaml:"lookup_timeout"`
	ProviderTTL    time.Duration `yaml:"provider_ttl"`
	ReprovideEvery time.Duration `yaml:"reprovide_every"`
	RandomWalk     *bool         `yaml:"random_walk"`
}

type ExchangeSection struct {
	WantTimeout        time.Duration `yaml:"want_timeout"`
	MaxOutstandingWant int           `yaml:"max_outstanding_want"`
	ServeWorkers       int           `yaml:"serve_workers"`
}

type StorageSection struct {
	Catalog         string `yaml:"catalog"`
	Transform       string `yaml:"transform"`
	ZstdLevel       int    `yaml:"zstd_level"`
	TargetPackBytes uint64 `yaml:"target_pack_bytes"`
	CacheBlocks     *int   `yaml:"cache_blocks"`
}

type GCSection struct {
	Enabled bool          `yaml:"enabled"`
	Every   time.Duration `yaml:"every"`
}

type S3Section struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Default returns the daemon defaults: repo "ipfs", swarm
// ports 4011 and 4012, API on 5011, gateway on 9011, DHT client mode.
func Default() Config {
	node := core.DefaultConfig(defaultRepo)
	node.Network.ListenAddrs = swarmAddrs(defaultSwarmPort, defaultAltPort)
	return Config{Node: node, Log: logging.DefaultConfig()}
}

// Load reads path (skipped when empty), overlays the environment read
// through lookup and validates the result. A nil lookup reads the process
// environment.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", core.ErrConfig, err)
		}
		var f File
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", core.ErrConfig, path, err)
		}
		f.apply(&cfg)
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Node.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultPath is where the daemon looks for a config file inside repo.
func DefaultPath(repo string) string {
	return filepath.Join(repo, defaultConfigName)
}

func (f *File) apply(cfg *Config) {
	n := &cfg.Node
	setString(&n.Dir, f.Repo)
	setString(&n.Identity.KeyFile, f.KeyFile)
	if len(f.Swarm.Listen) > 0 {
		n.Network.ListenAddrs = f.Swarm.Listen
	}
	if len(f.Swarm.Bootstrap) > 0 {
		n.Network.BootstrapPeers = f.Swarm.Bootstrap
	}

	setString(&n.HTTP.APIAddr, f.HTTP.API)
	setString(&n.HTTP.GatewayAddr, f.HTTP.Gateway)
	setString(&n.HTTP.HealthAddr, f.HTTP.Health)
	n.HTTP.GatewayOnly = n.HTTP.GatewayOnly || f.HTTP.GatewayOnly

	if f.DHT.Mode != "" {
		n.DHT.Mode = core.DHTMode(f.DHT.Mode)
	}
	setInt(&n.DHT.K, f.DHT.K)
	setInt(&n.DHT.Alpha, f.DHT.Alpha)
	setDuration(&n.DHT.RoundTimeout, f.DHT.RoundTimeout)
	setDuration(&n.DHT.LookupTimeout, f.DHT.LookupTimeout)
	setDuration(&n.DHT.ProviderTTL, f.DHT.ProviderTTL)
	setDuration(&n.DHT.ReprovideEvery, f.DHT.ReprovideEvery)
	if f.DHT.RandomWalk != nil {
		n.DHT.RandomWalk = *f.DHT.RandomWalk
	}

	setDuration(&n.Exchange.WantTimeout, f.Exchange.WantTimeout)
	setInt(&n.Exchange.MaxOutstandingWant, f.Exchange.MaxOutstandingWant)
	setInt(&n.Exchange.ServeWorkers, f.Exchange.ServeWorkers)

	setString(&n.Catalog.Backend, f.Storage.Catalog)
	setString(&n.Transform.Name, f.Storage.Transform)
	setInt(&n.Transform.ZstdLevel, f.Storage.ZstdLevel)
	if f.Storage.TargetPackBytes > 0 {
		n.Pack.TargetPackBytes = f.Storage.TargetPackBytes
	}
	if f.Storage.CacheBlocks != nil {
		n.Pack.CacheBlocks = *f.Storage.CacheBlocks
	}

	n.GC.Enabled = n.GC.Enabled || f.GC.Enabled
	setDuration(&n.GC.RunEvery, f.GC.Every)

	n.Remote = core.RemoteConfig{
		Enabled:         f.S3.Enabled,
		Bucket:          f.S3.Bucket,
		AccessKeyID:     f.S3.AccessKeyID,
		SecretAccessKey: f.S3.SecretAccessKey,
	}

	if f.Log != nil {
		cfg.Log = *f.Log
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	n := &cfg.Node
	if v, ok := lookup(EnvPath); ok && v != "" {
		n.Dir = v
	}

	swarm, swarmSet, err := envPort(lookup, EnvSwarmPort, defaultSwarmPort)
	if err != nil {
		return err
	}
	alt, altSet, err := envPort(lookup, EnvSwarmAltPort, defaultAltPort)
	if err != nil {
		return err
	}
	if swarmSet || altSet {
		n.Network.ListenAddrs = swarmAddrs(swarm, alt)
	}

	for _, e := range []struct {
		name string
		addr *string
	}{
		{EnvAPIPort, &n.HTTP.APIAddr},
		{EnvGatewayPort, &n.HTTP.GatewayAddr},
		{EnvHealthPort, &n.HTTP.HealthAddr},
	} {
		port, ok, err := envPort(lookup, e.name, 0)
		if err != nil {
			return err
		}
		if ok {
			*e.addr = fmt.Sprintf("0.0.0.0:%d", port)
		}
	}

	if v, ok := lookup(EnvGatewayOnly); ok {
		n.HTTP.GatewayOnly = toBoolean(v)
	}
	if v, ok := lookup(EnvDHTServerMode); ok {
		if v == "true" {
			n.DHT.Mode = core.DHTModeServer
		} else {
			n.DHT.Mode = core.DHTModeClient
		}
	}
	if v, ok := lookup(EnvS3RepoEnabled); ok {
		n.Remote.Enabled = toBoolean(v)
	}
	if v, ok := lookup(EnvBucket); ok {
		n.Remote.Bucket = v
	}
	if v, ok := lookup(EnvAccessKeyID); ok {
		n.Remote.AccessKeyID = v
	}
	if v, ok := lookup(EnvSecretKey); ok {
		n.Remote.SecretAccessKey = v
	}
	return nil
}

func envPort(lookup func(string) (string, bool), name string, def int) (int, bool, error) {
	v, ok := lookup(name)
	if !ok || v == "" {
		return def, false, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 0 || port > 65535 {
		return 0, false, fmt.Errorf("%w: %s=%q is not a port", core.ErrConfig, name, v)
	}
	return port, true, nil
}

// swarmAddrs maps the TCP and websocket swarm port settings onto two QUIC
// listen addresses.
func swarmAddrs(port, alt int) []string {
	return []string{
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", alt),
	}
}

// toBoolean accepts true/1/yes/on in any case.
func toBoolean(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Write stores f as YAML at path, refusing to overwrite.
func Write(path string, f *File) error {
	raw, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s already exists", core.ErrConfig, path)
	}
	if err != nil {
		return err
	}
	if _, err := fh.Write(raw); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

// Template returns the file written by `blobnetd init`.
func Template(repo string) *File {
	def := Default()
	walk := def.Node.DHT.RandomWalk
	cache := def.Node.Pack.CacheBlocks
	return &File{
		Repo:  repo,
		Swarm: SwarmSection{Listen: def.Node.Network.ListenAddrs},
		HTTP: HTTPSection{
			API:     def.Node.HTTP.APIAddr,
			Gateway: def.Node.HTTP.GatewayAddr,
			Health:  def.Node.HTTP.HealthAddr,
		},
		DHT: DHTSection{
			Mode:           string(def.Node.DHT.Mode),
			K:              def.Node.DHT.K,
			Alpha:          def.Node.DHT.Alpha,
			RoundTimeout:   def.Node.DHT.RoundTimeout,
			LookupTimeout:  def.Node.DHT.LookupTimeout,
			ProviderTTL:    def.Node.DHT.ProviderTTL,
			ReprovideEvery: def.Node.DHT.ReprovideEvery,
			RandomWalk:     &walk,
		},
		Exchange: ExchangeSection{
			WantTimeout:        def.Node.Exchange.WantTimeout,
			MaxOutstandingWant: def.Node.Exchange.MaxOutstandingWant,
			ServeWorkers:       def.Node.Exchange.ServeWorkers,
		},
		Storage: StorageSection{
			Catalog:     def.Node.Catalog.Backend,
			Transform:   def.Node.Transform.Name,
			CacheBlocks: &cache,
		},
		GC:  GCSection{Every: def.Node.GC.RunEvery},
		Log: &def.Log,
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
