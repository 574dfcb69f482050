package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// KeyType selects the key algorithm for domain and self-signed keys.
type KeyType string

const (
	KeyRSA2048 KeyType = "rsa2048"
	KeyEC256   KeyType = "ec256"
)

// KeyStore persists ACME account keys, domain keys and issued certificates
// under a single directory, keyed by a deterministic name:
//
//	account/   ACME account keys
//	private/   domain private keys (<name>.key)
//	certs/     issued certificates (<name>.crt), wildcard variants included
//
// Self-signed artefacts live under <domain>.selfsigned.{key,crt}.
type KeyStore struct {
	root string
}

func NewKeyStore(root string) (*KeyStore, error) {
	for _, sub := range []string{"account", "private", "certs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key store directory %s: %w", sub, err)
		}
	}
	return &KeyStore{root: root}, nil
}

func (s *KeyStore) KeyPath(name string) string {
	return filepath.Join(s.root, "private", name+".key")
}

func (s *KeyStore) CertPath(name string) string {
	return filepath.Join(s.root, "certs", name+".crt")
}

func (s *KeyStore) accountKeyPath() string {
	return filepath.Join(s.root, "account", "letsencrypt.account.key")
}

// CertExists reports whether both the certificate and its key are on disk.
func (s *KeyStore) CertExists(name string) bool {
	if _, err := os.Stat(s.CertPath(name)); err != nil {
		return false
	}
	if _, err := os.Stat(s.KeyPath(name)); err != nil {
		return false
	}
	return true
}

// Expiry returns the NotAfter instant of the stored certificate.
func (s *KeyStore) Expiry(name string) (time.Time, error) {
	cert, err := s.loadCert(name)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

// Domains returns the domain names the stored certificate covers (CN plus
// SANs).
func (s *KeyStore) Domains(name string) ([]string, error) {
	cert, err := s.loadCert(name)
	if err != nil {
		return nil, err
	}
	domains := cert.DNSNames
	if cert.Subject.CommonName != "" {
		found := false
		for _, d := range domains {
			if d == cert.Subject.CommonName {
				found = true
				break
			}
		}
		if !found {
			domains = append([]string{cert.Subject.CommonName}, domains...)
		}
	}
	return domains, nil
}

func (s *KeyStore) loadCert(name string) (*x509.Certificate, error) {
	data, err := os.ReadFile(s.CertPath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate %s: %w", name, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate %s", name)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %w", name, err)
	}
	return cert, nil
}

// Names lists every stored certificate name, sorted.
func (s *KeyStore) Names() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "certs"))
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".crt") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".crt"))
	}
	sort.Strings(names)
	return names, nil
}

// SaveCertChain writes the PEM chain returned by the ACME server.
func (s *KeyStore) SaveCertChain(name string, pemChain []byte) error {
	if err := os.WriteFile(s.CertPath(name), pemChain, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate %s: %w", name, err)
	}
	return nil
}

// AccountKey loads the ACME account key, generating a new RSA key on first
// use.
func (s *KeyStore) AccountKey() (*rsa.PrivateKey, error) {
	path := s.accountKeyPath()
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no PEM block in account key")
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %w", err)
		}
		return key, nil
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write account key: %w", err)
	}
	return key, nil
}

// DomainKey loads the private key stored under name, generating one of the
// requested type on first use.
func (s *KeyStore) DomainKey(name string, keyType KeyType) (crypto.Signer, error) {
	path := s.KeyPath(name)
	if data, err := os.ReadFile(path); err == nil {
		return parseSigner(name, data)
	}

	var signer crypto.Signer
	var block *pem.Block
	switch keyType {
	case KeyEC256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ec key for %s: %w", name, err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal ec key for %s: %w", name, err)
		}
		signer, block = key, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	default:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rsa key for %s: %w", name, err)
		}
		signer, block = key, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key for %s: %w", name, err)
	}
	return signer, nil
}

func parseSigner(name string, data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key %s", name)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", name, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key %s does not implement crypto.Signer", name)
		}
		return signer, nil
	}
}

// WildcardName maps a hostname to the wildcard that would cover it:
// foo.bar.baz -> *.bar.baz. It returns "" when the parent would be a bare
// TLD.
func WildcardName(hostname string) string {
	parts := strings.Split(hostname, ".")
	if len(parts) < 3 {
		return ""
	}
	return "*." + strings.Join(parts[1:], ".")
}
