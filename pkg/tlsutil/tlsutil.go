// Package tlsutil builds crypto/tls configurations for the node's HTTP server
// and its NATS connection from file-based settings.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/c360/pitwall/errors"
)

// ServerConfig describes TLS for the HTTP listener. Setting ClientCAFiles
// turns on client certificate verification.
type ServerConfig struct {
	CertFile          string   `json:"cert_file"`
	KeyFile           string   `json:"key_file"`
	MinVersion        string   `json:"min_version,omitempty"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}

// ClientConfig describes TLS for outbound connections. CertFile and KeyFile
// are only needed when the server asks for a client certificate.
type ClientConfig struct {
	CAFiles            []string `json:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty"`
	MinVersion         string   `json:"min_version,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
}

// Validate checks the settings without touching the filesystem.
func (c ServerConfig) Validate() error {
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file are required")
	}
	if err := validateVersion(c.MinVersion); err != nil {
		return err
	}
	if (c.RequireClientCert || len(c.AllowedClientCNs) > 0) && len(c.ClientCAFiles) == 0 {
		return fmt.Errorf("client certificate checks require client_ca_files")
	}
	return nil
}

// Validate checks the settings without touching the filesystem.
func (c ClientConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	return validateVersion(c.MinVersion)
}

// LoadServerConfig loads the key pair and client CAs named by cfg.
func LoadServerConfig(cfg ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseVersion(cfg.MinVersion),
	}
	if len(cfg.ClientCAFiles) == 0 {
		return tlsConfig, nil
	}

	clientCAs := x509.NewCertPool()
	if err := appendCAFiles(clientCAs, cfg.ClientCAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load client CAs")
	}
	tlsConfig.ClientCAs = clientCAs
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if len(cfg.AllowedClientCNs) > 0 {
		allowed := slices.Clone(cfg.AllowedClientCNs)
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return tlsConfig, nil
}

// LoadClientConfig trusts the system pool plus any CAFiles, and presents a
// client certificate when one is configured.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendCAFiles(rootCAs, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load CAs")
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		ServerName:         cfg.ServerName,
		MinVersion:         parseVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func appendCAFiles(pool *x509.CertPool, files []string) error {
	for _, file := range files {
		caPEM, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read CA file %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("no PEM certificates in %s", file)
		}
	}
	return nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}
	cn := chains[0][0].Subject.CommonName
	if slices.Contains(allowed, cn) {
		return nil
	}
	return fmt.Errorf("client certificate CN %q not in allowed list", cn)
}

func validateVersion(version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("unsupported TLS min_version %q", version)
	}
}

// parseVersion defaults to TLS 1.2.
func parseVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
