package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed certificate usable as server, client
// and CA, and returns the cert and key paths.
func writeSelfSigned(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"pitwall test"}},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, cn+".pem")
	keyFile = filepath.Join(dir, cn+"-key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{name: "valid", cfg: ServerConfig{CertFile: "c", KeyFile: "k", MinVersion: "1.3"}},
		{name: "missing key", cfg: ServerConfig{CertFile: "c"}, wantErr: "required"},
		{name: "bad version", cfg: ServerConfig{CertFile: "c", KeyFile: "k", MinVersion: "1.0"}, wantErr: "min_version"},
		{
			name:    "require client cert without CAs",
			cfg:     ServerConfig{CertFile: "c", KeyFile: "k", RequireClientCert: true},
			wantErr: "client_ca_files",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClientConfigValidate(t *testing.T) {
	assert.NoError(t, ClientConfig{}.Validate())
	assert.NoError(t, ClientConfig{CertFile: "c", KeyFile: "k"}.Validate())
	assert.Error(t, ClientConfig{CertFile: "c"}.Validate())
	assert.Error(t, ClientConfig{MinVersion: "tls13"}.Validate())
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, "server")

	cfg, err := LoadServerConfig(ServerConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg, err = LoadServerConfig(ServerConfig{
		CertFile:          certFile,
		KeyFile:           keyFile,
		ClientCAFiles:     []string{certFile},
		RequireClientCert: true,
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = LoadServerConfig(ServerConfig{CertFile: certFile, KeyFile: "missing.pem"})
	assert.Error(t, err)

	_, err = LoadServerConfig(ServerConfig{CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{keyFile}})
	assert.ErrorContains(t, err, "no PEM certificates")
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, "client")

	cfg, err := LoadClientConfig(ClientConfig{CAFiles: []string{certFile}, ServerName: "nats.local"})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
	assert.Equal(t, "nats.local", cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	cfg, err = LoadClientConfig(ClientConfig{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	_, err = LoadClientConfig(ClientConfig{CAFiles: []string{filepath.Join(t.TempDir(), "nope.pem")}})
	assert.Error(t, err)
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "shard-1"}}

	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"coordinator", "shard-1"}))
	assert.ErrorContains(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"coordinator"}), "shard-1")
	assert.Error(t, verifyAllowedClientCN(nil, []string{"shard-1"}))
}

// handshake dials a TLS listener built from server and writes one byte.
func handshake(t *testing.T, server ServerConfig, client ClientConfig) error {
	t.Helper()

	serverTLS, err := LoadServerConfig(server)
	require.NoError(t, err)
	clientTLS, err := LoadClientConfig(client)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientTLS)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		return err
	}
	// TLS 1.3 reports client certificate rejection on the first read.
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = conn.Read(make([]byte, 1))
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nil
	}
	return err
}

func TestHandshakeMutualTLS(t *testing.T) {
	serverCert, serverKey := writeSelfSigned(t, "localhost")
	clientCert, clientKey := writeSelfSigned(t, "shard-1")

	server := ServerConfig{
		CertFile:          serverCert,
		KeyFile:           serverKey,
		ClientCAFiles:     []string{clientCert},
		RequireClientCert: true,
	}
	client := ClientConfig{CAFiles: []string{serverCert}, ServerName: "localhost"}

	t.Run("without client certificate", func(t *testing.T) {
		assert.Error(t, handshake(t, server, client))
	})

	withCert := client
	withCert.CertFile, withCert.KeyFile = clientCert, clientKey
	t.Run("with client certificate", func(t *testing.T) {
		assert.NoError(t, handshake(t, server, withCert))
	})

	t.Run("CN not allowed", func(t *testing.T) {
		restricted := server
		restricted.AllowedClientCNs = []string{"coordinator"}
		assert.Error(t, handshake(t, restricted, withCert))
	})
}
