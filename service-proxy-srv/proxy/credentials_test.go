package proxy

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/codefionn/service-proxy/service-proxy-srv/config"
)

func encodeKeystore(t *testing.T, tc testCertificate, password string) []byte {
	t.Helper()
	pfx, err := pkcs12.Modern.Encode(tc.key, tc.cert, nil, password)
	require.NoError(t, err)
	return pfx
}

func TestCredentialBundlePEM(t *testing.T) {
	tc := generateTestCertificate(t)

	cert, err := (&CredentialBundle{CertPEM: tc.certPEM, KeyPEM: tc.keyPEM}).Certificate()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	assert.Equal(t, tc.cert.Raw, cert.Certificate[0])
}

func TestCredentialBundleEncryptedPEM(t *testing.T) {
	tc := generateTestCertificate(t)

	t.Run("pkcs8", func(t *testing.T) {
		bundle := &CredentialBundle{CertPEM: tc.certPEM, KeyPEM: pkcs8EncryptedKey(t, tc), KeyPassword: testPassword}
		_, err := bundle.Certificate()
		assert.NoError(t, err)
	})

	t.Run("legacy", func(t *testing.T) {
		bundle := &CredentialBundle{CertPEM: tc.certPEM, KeyPEM: legacyEncryptedKey(t, tc.keyPEM, x509.PEMCipherAES256), KeyPassword: testPassword}
		_, err := bundle.Certificate()
		assert.NoError(t, err)
	})

	t.Run("wrong password", func(t *testing.T) {
		bundle := &CredentialBundle{CertPEM: tc.certPEM, KeyPEM: pkcs8EncryptedKey(t, tc), KeyPassword: "nope"}
		_, err := bundle.Certificate()
		require.Error(t, err)
		assert.True(t, IsTLSCredentialError(err))
	})
}

func TestCredentialBundleKeystore(t *testing.T) {
	tc := generateTestCertificate(t)

	t.Run("store password", func(t *testing.T) {
		bundle := &CredentialBundle{Keystore: encodeKeystore(t, tc, "changeit"), KeystorePassword: "changeit"}
		cert, err := bundle.Certificate()
		require.NoError(t, err)
		require.NotNil(t, cert.Leaf)
		assert.Equal(t, "localhost", cert.Leaf.Subject.CommonName)
		assert.NotNil(t, cert.PrivateKey)
	})

	t.Run("falls back to key manager password", func(t *testing.T) {
		bundle := &CredentialBundle{
			Keystore:           encodeKeystore(t, tc, "keypass"),
			KeystorePassword:   "changeit",
			KeyManagerPassword: "keypass",
		}
		_, err := bundle.Certificate()
		assert.NoError(t, err)
	})

	t.Run("wrong passwords", func(t *testing.T) {
		bundle := &CredentialBundle{
			Keystore:           encodeKeystore(t, tc, "secret"),
			KeystorePassword:   "changeit",
			KeyManagerPassword: "changeit",
		}
		_, err := bundle.Certificate()
		require.Error(t, err)
		assert.True(t, IsTLSCredentialError(err))
	})
}

func TestCredentialBundleInvalid(t *testing.T) {
	tc := generateTestCertificate(t)

	tests := []struct {
		name   string
		bundle *CredentialBundle
	}{
		{name: "nil", bundle: nil},
		{name: "empty", bundle: &CredentialBundle{}},
		{name: "key missing", bundle: &CredentialBundle{CertPEM: tc.certPEM}},
		{name: "garbage certificate", bundle: &CredentialBundle{CertPEM: []byte("not a cert"), KeyPEM: tc.keyPEM}},
		{name: "mismatched key", bundle: &CredentialBundle{CertPEM: tc.certPEM, KeyPEM: generateTestCertificate(t).keyPEM}},
		{name: "garbage keystore", bundle: &CredentialBundle{Keystore: []byte("junk"), KeystorePassword: "changeit"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildTLSConfig(tt.bundle)
			require.Error(t, err)
			assert.True(t, IsTLSCredentialError(err), "got %v", err)
		})
	}
}

func TestBuildTLSConfigOffersHTTP11Only(t *testing.T) {
	tc := generateTestCertificate(t)

	tlsConfig, err := BuildTLSConfig(&CredentialBundle{CertPEM: tc.certPEM, KeyPEM: tc.keyPEM})
	require.NoError(t, err)
	assert.Equal(t, []string{"http/1.1"}, tlsConfig.NextProtos)
	assert.Len(t, tlsConfig.Certificates, 1)
}

func TestLoadCredentials(t *testing.T) {
	tc := generateTestCertificate(t)
	dir := t.TempDir()

	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	keystoreFile := filepath.Join(dir, "keystore.p12")
	require.NoError(t, os.WriteFile(certFile, tc.certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, tc.keyPEM, 0o600))
	require.NoError(t, os.WriteFile(keystoreFile, encodeKeystore(t, tc, "changeit"), 0o600))

	t.Run("pem files win over keystore", func(t *testing.T) {
		bundle, err := LoadCredentials(&config.TLSConfig{CertFile: certFile, KeyFile: keyFile, KeystoreFile: keystoreFile})
		require.NoError(t, err)
		assert.Equal(t, tc.certPEM, bundle.CertPEM)
		assert.Empty(t, bundle.Keystore)
	})

	t.Run("keystore", func(t *testing.T) {
		bundle, err := LoadCredentials(&config.TLSConfig{KeystoreFile: keystoreFile, KeystorePassword: "changeit", KeyManagerPassword: "changeit"})
		require.NoError(t, err)
		_, err = bundle.Certificate()
		assert.NoError(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCredentials(&config.TLSConfig{KeystoreFile: filepath.Join(dir, "missing.p12")})
		require.Error(t, err)
		assert.True(t, IsTLSCredentialError(err))
	})

	t.Run("cert without key", func(t *testing.T) {
		_, err := LoadCredentials(&config.TLSConfig{CertFile: certFile})
		require.Error(t, err)
		assert.True(t, IsTLSCredentialError(err))
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := LoadCredentials(&config.TLSConfig{})
		assert.True(t, IsTLSCredentialError(err))
	})
}
