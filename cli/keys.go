package cli

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadCertificatesAndKey reads the signer certificate, its private key and
// an optional PEM bundle of intermediate certificates.
func LoadCertificatesAndKey(certPath, keyPath, chainPath string) (*x509.Certificate, crypto.Signer, []*x509.Certificate, error) {
	cert, err := LoadCertificate(certPath)
	if err != nil {
		return nil, nil, nil, err
	}

	key, err := LoadPrivateKey(keyPath)
	if err != nil {
		return nil, nil, nil, err
	}

	var chain []*x509.Certificate
	if chainPath != "" {
		all, err := LoadCertificates(chainPath)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, c := range all {
			if !c.Equal(cert) {
				chain = append(chain, c)
			}
		}
	}
	return cert, key, chain, nil
}

// LoadCertificate reads a PEM or DER encoded certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: certificate data is empty", path)
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}

// LoadCertificates reads every certificate of a PEM bundle.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%s: no certificates found", path)
	}
	return certs, nil
}

// LoadRoots reads a PEM bundle of trusted root certificates.
func LoadRoots(path string) (*x509.CertPool, error) {
	certs, err := LoadCertificates(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool, nil
}

// LoadPrivateKey reads a PEM encoded PKCS #1, PKCS #8 or SEC 1 private key.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: failed to parse PEM block containing the private key", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New(path + ": private key cannot sign")
	}
	return signer, nil
}
