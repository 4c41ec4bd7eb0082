package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/pkg/security"
)

// generateTestCert creates a self-signed certificate for testing
func generateTestCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

// setupTestFiles writes a self-signed cert, its key and the same cert as CA.
func setupTestFiles(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	tmpDir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t)

	certFile = filepath.Join(tmpDir, "cert.pem")
	keyFile = filepath.Join(tmpDir, "key.pem")
	caFile = filepath.Join(tmpDir, "ca.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0644))
	return certFile, keyFile, caFile
}

func TestClientConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)
	badPEM := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(badPEM, []byte("not a certificate"), 0644))

	tests := []struct {
		name      string
		cfg       security.ClientTLSConfig
		wantErr   bool
		minVer    uint16
		wantCerts int
	}{
		{name: "defaults", minVer: tls.VersionTLS12},
		{name: "tls 1.3", cfg: security.ClientTLSConfig{MinVersion: "1.3"}, minVer: tls.VersionTLS13},
		{name: "extra CA", cfg: security.ClientTLSConfig{CAFiles: []string{caFile}}, minVer: tls.VersionTLS12},
		{name: "missing CA", cfg: security.ClientTLSConfig{CAFiles: []string{"/nonexistent.pem"}}, wantErr: true},
		{name: "invalid CA", cfg: security.ClientTLSConfig{CAFiles: []string{badPEM}}, wantErr: true},
		{
			name: "client certificate",
			cfg: security.ClientTLSConfig{MTLS: security.ClientMTLSConfig{
				Enabled: true, CertFile: certFile, KeyFile: keyFile,
			}},
			minVer:    tls.VersionTLS12,
			wantCerts: 1,
		},
		{
			name: "client certificate missing",
			cfg: security.ClientTLSConfig{MTLS: security.ClientMTLSConfig{
				Enabled: true, CertFile: "/nonexistent.pem", KeyFile: keyFile,
			}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ClientConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.minVer, c.MinVersion)
			assert.NotNil(t, c.RootCAs)
			assert.Len(t, c.Certificates, tt.wantCerts)
		})
	}
}

func TestClientConfigTrustsCAFile(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	srv.StartTLS()
	defer srv.Close()

	c, err := ClientConfig(security.ClientTLSConfig{CAFiles: []string{caFile}})
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: c}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	untrusted, err := ClientConfig(security.ClientTLSConfig{})
	require.NoError(t, err)
	_, err = (&http.Client{Transport: &http.Transport{TLSClientConfig: untrusted}}).Get(srv.URL)
	assert.Error(t, err)
}
