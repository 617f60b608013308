// Package tls serves the lab-side API over HTTPS, from configured files or from a
// self-signed certificate generated on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names inside Config.Dir.
const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	MaxVersion   string   `mapstructure:"max_version"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Validate reports configurations Setup cannot serve.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls: enabled but neither cert_file/key_file nor dir is set")
	}
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if _, ok := parseVersion(v); !ok && v != "" && v != "default" {
			return fmt.Errorf("tls: unknown version %q", v)
		}
	}
	return nil
}

func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions defaults to TLS 1.2 through 1.3 so browsers behind older lab proxies
// can still connect.
func (c Config) versions() (minVer, maxVer uint16) {
	minVer, maxVer = tls.VersionTLS12, tls.VersionTLS13
	if v, ok := parseVersion(c.MinVersion); ok {
		minVer = v
	}
	if v, ok := parseVersion(c.MaxVersion); ok {
		maxVer = v
	}
	return minVer, maxVer
}

// Setup returns nil when TLS is disabled. Explicit cert/key files take priority
// over Dir; with AutoGenerate a missing pair in Dir is created.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, CertFile)
		keyPath = filepath.Join(c.Dir, KeyFile)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	minVer, maxVer := c.versions()
	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: reloading(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// reloading reads the pair on every handshake so rotated files are picked up
// without a restart.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	cn := c.CommonName
	if cn == "" {
		cn = "localhost"
	}
	dns := c.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	ips := c.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1", "::1"}
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "xcubelab",
		DNSNames:     dns,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, CertFile),
		KeyPath:      filepath.Join(c.Dir, KeyFile),
		CACertPath:   filepath.Join(c.Dir, CACertFile),
	})
}
