// Copyright 2025 The Rangekeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RANGEKEEPER_VPN_DOMAIN.
const EnvPrefix = "RANGEKEEPER"

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling Get directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Retry        RetryConfig        `mapstructure:"retry"`
	VPN          VPNConfig          `mapstructure:"vpn"`
	Certs        CertsConfig        `mapstructure:"certs"`
	GitHub       GitHubConfig       `mapstructure:"github"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Events       EventsConfig       `mapstructure:"events"`
	Workers      WorkersConfig      `mapstructure:"workers"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Namespace    NamespaceConfig    `mapstructure:"namespace"`
	Sweeper      SweeperConfig      `mapstructure:"sweeper"`
	API          APIConfig          `mapstructure:"api"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"` // debug, info, warn or error
}

type ClusterConfig struct {
	KubeconfigDir string `mapstructure:"kubeconfig_dir"` // Directory holding "config"; in-cluster auth when absent
	PullSecret    string `mapstructure:"pull_secret"`    // <namespace>/<name> of the image pull secret copied to teams
	PodCIDR       string `mapstructure:"pod_cidr"`       // Pod network routed through team VPNs
	ForceFinalize bool   `mapstructure:"force_finalize"` // Clear finalizers of namespaces stuck terminating
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Base     time.Duration `mapstructure:"base"`
	Cap      time.Duration `mapstructure:"cap"`
}

type VPNConfig struct {
	Image          string `mapstructure:"image"`
	Domain         string `mapstructure:"domain"`           // Public name clients connect to
	PortRangeStart int    `mapstructure:"port_range_start"` // Lowest NodePort handed out to teams
	Protocol       string `mapstructure:"protocol"`         // udp or tcp
}

type CertsConfig struct {
	Dir        string `mapstructure:"dir"`         // One PKI directory per team
	EasyRSA    string `mapstructure:"easyrsa"`     // Fixed easyrsa path; when empty the release is installed into tools_dir
	OpenVPN    string `mapstructure:"openvpn"`     // openvpn executable
	ToolsDir   string `mapstructure:"tools_dir"`   // Where EasyRSA releases are unpacked
	EasyRSATag string `mapstructure:"easyrsa_tag"` // EasyRSA release to install
}

type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	Offline bool   `mapstructure:"offline"` // Never look up releases
}

type CatalogConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or mysql
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

type EventsConfig struct {
	Channel string `mapstructure:"channel"`
}

type WorkersConfig struct {
	Count int    `mapstructure:"count"`
	Name  string `mapstructure:"name"` // Distinct per process sharing a Redis
}

type RegistrationConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
}

type NamespaceConfig struct {
	DeleteTimeout  time.Duration `mapstructure:"delete_timeout"`
	DeleteInterval time.Duration `mapstructure:"delete_interval"`
}

type SweeperConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type APIConfig struct {
	Listen    string  `mapstructure:"listen"`
	RateLimit float64 `mapstructure:"rate_limit"` // Requests per second per team
	RateBurst int     `mapstructure:"rate_burst"`
}

// SetDefaults registers the default of every key on v. Keys need a default
// to be overridable from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("cluster.kubeconfig_dir", "/.kube")
	v.SetDefault("cluster.pull_secret", "default/regcred")
	v.SetDefault("cluster.pod_cidr", "10.42.0.0/16")
	v.SetDefault("cluster.force_finalize", true)

	v.SetDefault("retry.attempts", 5)
	v.SetDefault("retry.base", "2s")
	v.SetDefault("retry.cap", "10s")

	v.SetDefault("vpn.image", "")
	v.SetDefault("vpn.domain", "")
	v.SetDefault("vpn.port_range_start", 31200)
	v.SetDefault("vpn.protocol", "udp")

	v.SetDefault("certs.dir", "/var/lib/rangekeeper/pki")
	v.SetDefault("certs.easyrsa", "")
	v.SetDefault("certs.openvpn", "openvpn")
	v.SetDefault("certs.tools_dir", "/var/lib/rangekeeper/tools")
	v.SetDefault("certs.easyrsa_tag", "v3.1.0")

	v.SetDefault("github.token", "")
	v.SetDefault("github.offline", false)

	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.dsn", "/var/lib/rangekeeper/catalog.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("events.channel", "ahaz_events")

	v.SetDefault("workers.count", 10)
	v.SetDefault("workers.name", "rangekeeper")

	v.SetDefault("registration.poll_interval", "5s")
	v.SetDefault("registration.wait_timeout", "30m")

	v.SetDefault("namespace.delete_timeout", "300s")
	v.SetDefault("namespace.delete_interval", "5s")

	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.grace_period", "10m")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.rate_limit", 10)
	v.SetDefault("api.rate_burst", 20)
}

// BindEnv makes every key overridable with RANGEKEEPER_<SECTION>_<KEY>.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := c.Cluster.PullSecretRef(); err != nil {
		errs = append(errs, err)
	}
	switch c.VPN.Protocol {
	case "udp", "tcp":
	default:
		errs = append(errs, fmt.Errorf("vpn.protocol must be udp or tcp, got %q", c.VPN.Protocol))
	}
	if c.VPN.PortRangeStart < 30000 || c.VPN.PortRangeStart > 32767 {
		errs = append(errs, fmt.Errorf("vpn.port_range_start %d is outside the NodePort range", c.VPN.PortRangeStart))
	}
	switch c.Catalog.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("catalog.driver must be sqlite or mysql, got %q", c.Catalog.Driver))
	}
	if c.Workers.Count <= 0 {
		errs = append(errs, errors.New("workers.count must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateProvisioning reports settings required only by commands that
// provision teams.
func (c *Config) ValidateProvisioning() error {
	if c.VPN.Domain == "" {
		return errors.New("vpn.domain is required")
	}
	return nil
}

// PullSecretRef splits cluster.pull_secret into namespace and name.
func (c ClusterConfig) PullSecretRef() (namespace, name string, err error) {
	namespace, name, ok := strings.Cut(c.PullSecret, "/")
	if !ok || namespace == "" || name == "" {
		return "", "", fmt.Errorf("cluster.pull_secret must be <namespace>/<name>, got %q", c.PullSecret)
	}
	return namespace, name, nil
}

var (
	current *Config
	mu      sync.RWMutex
)

// Load decodes v into a new Config, validates it and makes it current.
// The previous config stays current when decoding or validation fails.
func Load(v *viper.Viper) error {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload(v *viper.Viper) error {
	return Load(v)
}
