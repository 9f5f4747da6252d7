package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codefionn/service-proxy/service-proxy-srv/config"
	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
	"software.sslmate.com/src/go-pkcs12"
)

// CredentialBundle is the TLS identity of the gateway, already read into
// memory. It holds either a PEM certificate chain with its private key, or
// a PKCS#12 keystore.
type CredentialBundle struct {
	CertPEM     []byte
	KeyPEM      []byte
	KeyPassword string // unlocks an encrypted KeyPEM

	Keystore           []byte
	KeystorePassword   string
	KeyManagerPassword string // tried when KeystorePassword does not open the keystore
}

// LoadCredentials reads the credential files named in cfg. PEM files take
// precedence over the keystore.
func LoadCredentials(cfg *config.TLSConfig) (*CredentialBundle, error) {
	if cfg == nil {
		return nil, NewTLSCredentialError("no TLS configuration", nil)
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, NewTLSCredentialError("cert-file and key-file must be set together", nil)
		}
		certPEM, err := readCredentialFile(cfg.CertFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := readCredentialFile(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return &CredentialBundle{CertPEM: certPEM, KeyPEM: keyPEM, KeyPassword: cfg.KeyPassword}, nil
	}

	if cfg.KeystoreFile == "" {
		return nil, NewTLSCredentialError("no certificate or keystore configured", nil)
	}
	keystore, err := readCredentialFile(cfg.KeystoreFile)
	if err != nil {
		return nil, err
	}
	return &CredentialBundle{
		Keystore:           keystore,
		KeystorePassword:   cfg.KeystorePassword,
		KeyManagerPassword: cfg.KeyManagerPassword,
	}, nil
}

func readCredentialFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, NewTLSCredentialError(fmt.Sprintf("failed to read credential file '%s'", cleanPath), err)
	}
	return data, nil
}

// Certificate decodes the bundle into a tls.Certificate.
func (b *CredentialBundle) Certificate() (tls.Certificate, error) {
	switch {
	case b == nil:
		return tls.Certificate{}, NewTLSCredentialError("credential bundle is missing", nil)
	case len(b.CertPEM) > 0 || len(b.KeyPEM) > 0:
		return b.pemCertificate()
	case len(b.Keystore) > 0:
		return b.keystoreCertificate()
	default:
		return tls.Certificate{}, NewTLSCredentialError("credential bundle is empty", nil)
	}
}

func (b *CredentialBundle) pemCertificate() (tls.Certificate, error) {
	keyPEM, err := decryptPEMKey(b.KeyPEM, b.KeyPassword)
	if err != nil {
		return tls.Certificate{}, NewTLSCredentialError("failed to decrypt private key", err)
	}

	cert, err := tls.X509KeyPair(b.CertPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, NewTLSCredentialError(GetErrorDescription(ErrCodeX509KeyPairFailed), err)
	}
	return cert, nil
}

func (b *CredentialBundle) keystoreCertificate() (tls.Certificate, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(b.Keystore, b.KeystorePassword)
	if err != nil && b.KeyManagerPassword != "" && b.KeyManagerPassword != b.KeystorePassword {
		logger.Debug("Keystore password rejected, retrying with key manager password")
		key, leaf, caCerts, err = pkcs12.DecodeChain(b.Keystore, b.KeyManagerPassword)
	}
	if err != nil {
		return tls.Certificate{}, NewTLSCredentialError("failed to decode PKCS#12 keystore", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, ca := range caCerts {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}
	return cert, nil
}

// BuildTLSConfig returns the server TLS configuration for the bundle. Only
// HTTP/1.1 is offered through ALPN.
func BuildTLSConfig(bundle *CredentialBundle) (*tls.Config, error) {
	cert, err := bundle.Certificate()
	if err != nil {
		return nil, err
	}

	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			cert.Leaf = leaf
		}
	}
	if cert.Leaf != nil {
		logger.Debug("Loaded TLS certificate for %q (expires %s)", cert.Leaf.Subject.CommonName, cert.Leaf.NotAfter.Format("2006-01-02"))
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
