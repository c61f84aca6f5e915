package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// LoadTLSConfig builds the listener TLS config from PEM files on disk.
// Self-signed pairs are acceptable; RDP clients warn but connect.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse TLS key pair: %w", err)
	}

	if leaf := parseLeaf(cert); leaf != nil {
		if time.Now().After(leaf.NotAfter) {
			log.Warn("TLS certificate has expired; clients may refuse to connect",
				"notAfter", leaf.NotAfter.Format(time.RFC3339))
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func parseLeaf(cert tls.Certificate) *x509.Certificate {
	if len(cert.Certificate) == 0 {
		return nil
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil
	}
	return leaf
}
