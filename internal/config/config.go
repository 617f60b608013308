package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/xcubelab/internal/auth"
	"github.com/loykin/xcubelab/internal/labinfo"
	"github.com/loykin/xcubelab/internal/lifecycle"
	"github.com/loykin/xcubelab/internal/logger"
	"github.com/loykin/xcubelab/internal/metrics"
	"github.com/loykin/xcubelab/internal/process"
	xtls "github.com/loykin/xcubelab/internal/tls"
	"github.com/loykin/xcubelab/pkg/client"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EnvPrefix prefixes environment overrides, e.g. XCUBELAB_CLIENT_TOKEN for client.token.
const EnvPrefix = "XCUBELAB"

// Config represents the top-level TOML structure.
//
//	[client]   how the CLI reaches the lab and polls the server
//	[server]   the lab-side API
//	[process]  how the compute server is launched
//	[log]      slog and file sinks
//	[metrics]  Prometheus endpoint and resource sampling
//	[history]  readiness event sinks
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Process ProcessConfig `mapstructure:"process"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

type ClientConfig struct {
	LabURL      string        `mapstructure:"lab_url"`
	APIPath     string        `mapstructure:"api_path"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Budget      time.Duration `mapstructure:"poll_budget"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// HasProxy skips asking the lab for its proxy support when set.
	HasProxy   *bool  `mapstructure:"has_proxy"`
	CACert     string `mapstructure:"ca_cert"`
	ServerName string `mapstructure:"server_name"`
	Insecure   bool   `mapstructure:"insecure"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	DataDir  string      `mapstructure:"data_dir"`
	HasProxy *bool       `mapstructure:"has_proxy"`
	Auth     auth.Config `mapstructure:"auth"`
	TLS      xtls.Config `mapstructure:"tls"`
}

// ProcessConfig is a process.Spec plus the env sources merged into Spec.Env.
// Precedence: OS env (when use_os_env) provides the base; env_files override it in
// order; the env list overrides last.
type ProcessConfig struct {
	process.Spec `mapstructure:",squash"`
	EnvFiles     []string `mapstructure:"env_files"`
	UseOSEnv     bool     `mapstructure:"use_os_env"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

// DefaultDataDir is where lab info and the server state file live.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".xcube")
	}
	return ".xcube"
}

func setDefaults(v *viper.Viper) {
	dc := client.DefaultConfig()
	v.SetDefault("client.lab_url", dc.BaseURL)
	v.SetDefault("client.api_path", dc.APIPath)
	v.SetDefault("client.token", "")
	v.SetDefault("client.timeout", dc.Timeout)
	v.SetDefault("client.poll_budget", lifecycle.DefaultBudget)
	v.SetDefault("client.max_attempts", lifecycle.DefaultMaxAttempts)
	v.SetDefault("client.ca_cert", "")
	v.SetDefault("client.server_name", "")
	v.SetDefault("client.insecure", false)

	v.SetDefault("server.listen", "127.0.0.1:8765")
	v.SetDefault("server.base_path", "/xcube")
	v.SetDefault("server.data_dir", DefaultDataDir())
	v.SetDefault("server.auth.token", "")
	v.SetDefault("server.auth.token_hash", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.max_version", "")

	v.SetDefault("process.name", process.DefaultName)
	v.SetDefault("process.port", process.DefaultPort)
	v.SetDefault("process.config_file", process.DefaultConfigFile)
	v.SetDefault("process.stop_wait", process.DefaultStopWait)
	v.SetDefault("process.work_dir", "")
	v.SetDefault("process.data_dir", "")
	v.SetDefault("process.use_os_env", false)

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.dir", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)
	v.SetDefault("metrics.resources.max_history", 100)

	v.SetDefault("history.dsns", []string{})

	// no sensible default; bound so the env var alone can set them
	_ = v.BindEnv("client.has_proxy")
	_ = v.BindEnv("server.has_proxy")
}

// Load reads path (TOML) over the defaults and applies XCUBELAB_* env overrides.
// An empty path loads defaults and env only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Server.DataDir = expandHome(c.Server.DataDir)
	if c.Process.DataDir == "" {
		c.Process.DataDir = c.Server.DataDir
	}
	c.Process.DataDir = expandHome(c.Process.DataDir)
	c.Server.TLS.Dir = expandHome(c.Server.TLS.Dir)
	c.Server.TLS.CertFile = expandHome(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = expandHome(c.Server.TLS.KeyFile)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values the loaders cannot default away.
func (c *Config) Validate() error {
	if c.Client.Budget < 0 {
		return errors.New("client.poll_budget must not be negative")
	}
	if c.Client.MaxAttempts < 0 {
		return errors.New("client.max_attempts must not be negative")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir is required")
	}
	if c.Process.Port < 0 || c.Process.Port > 65535 {
		return fmt.Errorf("invalid process.port %d", c.Process.Port)
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.%w", err)
	}
	return nil
}

// ProcessSpec returns the launch spec with its environment merged.
func (c *Config) ProcessSpec() (process.Spec, error) {
	spec := c.Process.Spec
	env, err := c.Process.mergedEnv()
	if err != nil {
		return process.Spec{}, err
	}
	spec.Env = env
	if spec.Log.Dir == "" && c.Log.File.Dir != "" {
		spec.Log = c.Log.File
	}
	return spec.WithDefaults(), nil
}

func (p ProcessConfig) mergedEnv() ([]string, error) {
	if !p.UseOSEnv && len(p.EnvFiles) == 0 {
		return p.Env, nil
	}
	m := make(map[string]string)
	if p.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, f := range p.EnvFiles {
		pairs, err := loadEnvFile(f)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range p.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// ProxyDetector returns the detector for lab info, honoring the has_proxy override.
func (s ServerConfig) ProxyDetector() labinfo.ProxyDetector {
	return labinfo.ProxyDetector{Override: s.HasProxy}
}

// ClientOptions converts the [client] section for client.New.
func (c ClientConfig) ClientOptions() client.Config {
	cc := client.Config{
		BaseURL:  c.LabURL,
		APIPath:  c.APIPath,
		Token:    c.Token,
		Timeout:  c.Timeout,
		Insecure: c.Insecure,
	}
	if c.CACert != "" || c.ServerName != "" {
		cc.TLS = &client.TLSClientConfig{CACert: c.CACert, ServerName: c.ServerName, SkipVerify: c.Insecure}
	}
	return cc
}

// LoadEnvFile parses a dotenv file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a dotenv file: KEY=VALUE lines, optional export prefix and
// quoting, # comments.
func loadEnvFile(path string) (map[string]string, error) {
	env, err := gotenv.Read(filepath.Clean(expandHome(path)))
	if err != nil {
		return nil, err
	}
	return env, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
