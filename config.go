package ghostdns

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the root TOML configuration schema from spec §6.1.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Cache     CacheConfig     `toml:"cache"`
	Resolvers ResolversConfig `toml:"resolvers"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Security  SecurityConfig  `toml:"security"`
}

// ServerConfig configures all listener sockets.
type ServerConfig struct {
	DoHListen     string `toml:"doh_listen"`
	DoHPath       string `toml:"doh_path"`
	DoTListen     string `toml:"dot_listen"`
	DoTCertPath   string `toml:"dot_cert_path"`
	DoTKeyPath    string `toml:"dot_key_path"`
	DoQListen     string `toml:"doq_listen"` // reserved, spec §9 Open Questions
	DoQCertPath   string `toml:"doq_cert_path"`
	DoQKeyPath    string `toml:"doq_key_path"`
	MetricsListen string `toml:"metrics_listen"`
	AsnDBPath     string `toml:"asn_db_path"` // optional; enables debug-log ASN annotation
}

// CacheConfig configures the persistent response cache.
type CacheConfig struct {
	Path               string `toml:"path"`
	TTLSeconds         int64  `toml:"ttl_seconds"`
	NegativeTTLSeconds int64  `toml:"negative_ttl_seconds"`
}

// ResolversConfig configures the crypto name resolver.
type ResolversConfig struct {
	EnsEndpoint          string `toml:"ens_endpoint"`
	UnstoppableEndpoint  string `toml:"unstoppable_endpoint"`
	UnstoppableAPIKeyEnv string `toml:"unstoppable_api_key_env"`
	IPFSGateway          string `toml:"ipfs_gateway"`
	IPFSAPI              string `toml:"ipfs_api"`
	IPFSAutopin          bool   `toml:"ipfs_autopin"`
}

// UpstreamConfig selects the upstream DoH provider.
type UpstreamConfig struct {
	Profile     string `toml:"profile"`
	FallbackDoH string `toml:"fallback_doh"`
	FallbackDoT string `toml:"fallback_dot"`
}

// SecurityConfig configures the policy engine.
type SecurityConfig struct {
	DnssecEnforce  bool `toml:"dnssec_enforce"`
	DnssecFailOpen bool `toml:"dnssec_fail_open"`
	EcsPassthrough bool `toml:"ecs_passthrough"`
}

// defaultDoHPath is used when doh_path is unset.
const defaultDoHPath = "/dns-query"

// LoadConfig parses a TOML file at path into a Config, applying defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.DoHPath == "" {
		c.Server.DoHPath = defaultDoHPath
	} else if c.Server.DoHPath[0] != '/' {
		c.Server.DoHPath = "/" + c.Server.DoHPath
	}
	if c.Upstream.Profile == "" {
		c.Upstream.Profile = defaultUpstreamProfile
	}
}

// SecurityPolicy builds the policy engine value from this config.
func (c *Config) SecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		DnssecEnforce:  c.Security.DnssecEnforce,
		DnssecFailOpen: c.Security.DnssecFailOpen,
		EcsPassthrough: c.Security.EcsPassthrough,
	}
}

// ResolvedUpstream builds the resolved upstream endpoint pair from this
// config.
func (c *Config) ResolvedUpstream() ResolvedUpstream {
	return resolveUpstream(c.Upstream.Profile, c.Upstream.FallbackDoH, c.Upstream.FallbackDoT)
}
