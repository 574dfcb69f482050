package certs

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// SelfSignedSuffix is appended to the store name of self-signed artefacts so
// they never shadow a real certificate for the same domain.
const SelfSignedSuffix = ".selfsigned"

const selfSignedValidity = 365 * 24 * time.Hour

// SelfSign generates a key of the requested type and a certificate for the
// domain signed by it, stored under <domain>.selfsigned. Used for hosts that
// demand TLS before ACME issuance is viable.
func (s *KeyStore) SelfSign(domain string, keyType KeyType) (string, error) {
	name := domain + SelfSignedSuffix
	key, err := s.DomainKey(name, keyType)
	if err != nil {
		return "", err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", fmt.Errorf("failed to generate serial: %w", err)
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: domain},
		DNSNames:              []string{domain},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return "", fmt.Errorf("failed to self-sign certificate for %s: %w", domain, err)
	}
	chain := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := s.SaveCertChain(name, chain); err != nil {
		return "", err
	}
	return name, nil
}
