// Package cert implements the certificate authority and leaf-certificate
// cache described in spec §4.1 (C1). It generates or loads a self-signed
// root under a data directory and issues per-domain leaf certificates on
// demand for the MITM engine.
//
// Grounded on the teacher's internal/cert/cert_manager.go, generalized to
// the spec's exact lifecycle (10-year root, 1-year leaves, 128-bit serials,
// bulk-eviction cache) and cross-checked against
// _examples/original_source/src-go/internal/proxy/certificate.go for details
// spec.md leaves unspecified (subject fields, IP-literal SAN handling).
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	rootCommonName   = "Kanti CA"
	leafCacheCap     = 100
	rootValidity     = 10 * 365 * 24 * time.Hour
	leafValidity     = 365 * 24 * time.Hour
	serialNumberBits = 128
)

// Manager owns the CA root and a bounded cache of issued leaf certificates.
// It is safe for concurrent use; GetCertificate has a read-fast-path with a
// double-checked write path on miss, per spec §5.
type Manager struct {
	dataDir string
	log     zerolog.Logger

	mu     sync.RWMutex
	rootCA *x509.Certificate
	rootKey *rsa.PrivateKey

	leafMu sync.RWMutex
	leaves map[string]*tls.Certificate
}

// New loads the CA material under dataDir/certificates, generating it on
// first run. Load/parse failure of existing material is fatal — the caller
// should treat a non-nil error as a startup abort (spec §7).
func New(dataDir string, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		dataDir: dataDir,
		log:     log.With().Str("component", "cert").Logger(),
		leaves:  make(map[string]*tls.Certificate),
	}

	certDir := filepath.Join(dataDir, "certificates")
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return nil, fmt.Errorf("create certificates directory: %w", err)
	}

	certPath, keyPath := m.paths()
	if fileExists(certPath) && fileExists(keyPath) {
		if err := m.loadRoot(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("load CA material: %w", err)
		}
		m.log.Info().Str("cert", certPath).Msg("loaded existing CA root")
		return m, nil
	}

	if err := m.generateRoot(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("generate CA material: %w", err)
	}
	m.log.Info().Str("cert", certPath).Msg("generated new CA root")
	return m, nil
}

func (m *Manager) paths() (certPath, keyPath string) {
	dir := filepath.Join(m.dataDir, "certificates")
	return filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *Manager) generateRoot(certPath, keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), serialNumberBits))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         rootCommonName,
			Organization:       []string{"Kanti"},
			OrganizationalUnit: []string{"Kanti Certificate Authority"},
			Country:            []string{"US"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse generated root: %w", err)
	}

	if err := writePEMFile(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return fmt.Errorf("write root certificate: %w", err)
	}
	if err := writePEMFile(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return fmt.Errorf("write root key: %w", err)
	}

	m.mu.Lock()
	m.rootCA = cert
	m.rootKey = key
	m.mu.Unlock()
	return nil
}

func (m *Manager) loadRoot(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("read root certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("decode root certificate PEM")
	}
	rootCA, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read root key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("decode root key PEM")
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse root key: %w", err)
	}

	m.mu.Lock()
	m.rootCA = rootCA
	m.rootKey = rootKey
	m.mu.Unlock()
	return nil
}

func writePEMFile(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// GetCertificate returns a leaf certificate for domain, issuing and caching
// one if none is cached yet. domain may be a DNS name or an IP literal.
func (m *Manager) GetCertificate(domain string) (*tls.Certificate, error) {
	m.leafMu.RLock()
	if cert, ok := m.leaves[domain]; ok {
		m.leafMu.RUnlock()
		return cert, nil
	}
	m.leafMu.RUnlock()

	m.leafMu.Lock()
	defer m.leafMu.Unlock()

	if cert, ok := m.leaves[domain]; ok {
		return cert, nil
	}

	cert, err := m.issue(domain)
	if err != nil {
		return nil, err
	}

	if len(m.leaves) >= leafCacheCap {
		evictHalf(m.leaves)
	}
	m.leaves[domain] = cert
	return cert, nil
}

// evictHalf removes entries from cache until its size drops below half its
// capacity — spec §4.1's bulk pressure-relief policy, not true LRU (see
// DESIGN.md Open Questions).
func evictHalf(cache map[string]*tls.Certificate) {
	target := leafCacheCap / 2
	for k := range cache {
		if len(cache) < target {
			break
		}
		delete(cache, k)
	}
}

func (m *Manager) issue(domain string) (*tls.Certificate, error) {
	m.mu.RLock()
	rootCA, rootKey := m.rootCA, m.rootKey
	m.mu.RUnlock()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key for %s: %w", domain, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), serialNumberBits))
	if err != nil {
		return nil, fmt.Errorf("generate leaf serial for %s: %w", domain, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         domain,
			Organization:       []string{"Kanti Proxy"},
			OrganizationalUnit: []string{"Kanti Proxy Server"},
			Country:            []string{"US"},
		},
		NotBefore:   now,
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(domain); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{domain}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, rootCA, &key.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", domain, err)
	}

	m.log.Debug().Str("domain", domain).Msg("issued leaf certificate")

	return &tls.Certificate{
		Certificate: [][]byte{der, rootCA.Raw},
		PrivateKey:  key,
	}, nil
}

// CACertificatePath returns the on-disk path of the CA's public certificate.
func (m *Manager) CACertificatePath() string {
	certPath, _ := m.paths()
	return certPath
}

// RootCertificateForTLS returns a tls.Certificate containing only the root
// (no chain), for callers that need to present it directly.
func (m *Manager) RootCertificateForTLS() *tls.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rootCA == nil || m.rootKey == nil {
		return nil
	}
	return &tls.Certificate{
		Certificate: [][]byte{m.rootCA.Raw},
		PrivateKey:  m.rootKey,
	}
}
