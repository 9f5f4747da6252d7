package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/service-proxy/service-proxy-srv/config"
	"github.com/codefionn/service-proxy/service-proxy-srv/stats"
)

// newTestConfig returns a config with short timeouts and the given routes.
func newTestConfig(routes ...config.RouteConfig) *config.Config {
	cfg := config.Default()
	cfg.Routes = routes
	cfg.ConnectTimeoutSeconds = 2
	cfg.ReadTimeoutSeconds = 5
	cfg.ShutdownGraceSeconds = 1
	return cfg
}

// startTestServer starts s on a free port and stops it when the test ends.
func startTestServer(t *testing.T, cfg *config.Config) (*Server, *stats.MemoryCollector) {
	t.Helper()
	collector := stats.NewMemoryCollector()
	s := NewServerWithCollector(cfg, collector)
	require.NoError(t, s.StartNonBlocking(0))
	t.Cleanup(func() { _ = s.Stop() })
	return s, collector
}

func serverPort(t *testing.T, s *Server) int {
	t.Helper()
	addr, ok := s.Addr().(*net.TCPAddr)
	require.True(t, ok, "server is not listening on TCP")
	return addr.Port
}

func serverURL(t *testing.T, s *Server) string {
	return fmt.Sprintf("http://127.0.0.1:%d", serverPort(t, s))
}

// testClient never reuses connections, so stop tests see fresh dials.
func testClient() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

type testCertificate struct {
	certPEM []byte
	keyPEM  []byte
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
}

// generateTestCertificate creates a self-signed certificate for localhost.
func generateTestCertificate(t *testing.T) testCertificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return testCertificate{
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		key:     key,
		cert:    cert,
	}
}

// tlsClient trusts only tc.
func (tc testCertificate) tlsClient() *http.Client {
	pool := x509.NewCertPool()
	pool.AddCert(tc.cert)
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
			DisableKeepAlives: true,
			ForceAttemptHTTP2: true,
		},
	}
}
