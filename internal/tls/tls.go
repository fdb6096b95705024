// Package tls prepares the certificate setup for serving the API over HTTPS.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	caFile   = "ca.crt"
	certFile = "server.crt"
	keyFile  = "server.key"
)

var ErrNoCertificate = errors.New("tls enabled but neither cert_file/key_file nor dir is set")

// Config selects the API certificate. CertFile and KeyFile win over Dir.
// With AutoGenerate a self-signed pair is written into Dir when missing.
type Config struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

// Paths returns the certificate and key files Setup will load.
func (c Config) Paths() (cert, key string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile
	}
	if c.Dir == "" {
		return "", ""
	}
	return filepath.Join(c.Dir, certFile), filepath.Join(c.Dir, keyFile)
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2", "tls1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", v)
	}
}

// Setup returns nil when TLS is disabled. The pair is re-read on every
// handshake so a renewed certificate is picked up without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	cert, key := c.Paths()
	if cert == "" {
		return nil, ErrNoCertificate
	}
	if c.AutoGenerate && c.CertFile == "" && !exists(cert, key) {
		days := c.ValidDays
		if days <= 0 {
			days = 365
		}
		hosts := c.Hosts
		if len(hosts) == 0 {
			hosts = []string{"localhost", "127.0.0.1"}
		}
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create tls dir: %w", err)
		}
		err := GenerateSelfSigned(CertRequest{
			Hosts:    hosts,
			NotAfter: time.Now().AddDate(0, 0, days),
			CertPath: cert,
			KeyPath:  key,
			CAPath:   filepath.Join(c.Dir, caFile),
		})
		if err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}
	if !exists(cert, key) {
		return nil, fmt.Errorf("certificate %s or key %s not found", cert, key)
	}
	// #nosec G402 minimum version comes from configuration
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			pair, err := tls.LoadX509KeyPair(cert, key)
			if err != nil {
				return nil, err
			}
			return &pair, nil
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
