// Package testpki builds throw-away certificate hierarchies and revocation
// responders for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

// KeyProfile defines the cryptographic settings for the PKI.
type KeyProfile string

const (
	RSA_2048   KeyProfile = "RSA_2048"
	ECDSA_P256 KeyProfile = "ECDSA_P256"
	ECDSA_P384 KeyProfile = "ECDSA_P384"
)

type TestPKIConfig struct {
	Profile         KeyProfile
	IntermediateCAs int
}

// TestPKI manages a temporary PKI hierarchy for testing.
type TestPKI struct {
	T                 *testing.T
	RootKey           crypto.Signer
	RootCert          *x509.Certificate
	IntermediateKeys  []crypto.Signer
	IntermediateCerts []*x509.Certificate
	Server            *httptest.Server
	Profile           KeyProfile

	mu           sync.Mutex
	revoked      map[string]bool
	crlRequests  int
	ocspRequests int
	failOCSP     bool
	failCRL      bool
}

// LeafOptions tweaks the certificate issued by IssueLeafWith.
type LeafOptions struct {
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
	// Revoked marks the serial as revoked in the CRL and OCSP responder.
	Revoked bool
	// NoResponders omits OCSP and CRL URLs from the certificate.
	NoResponders bool
}

// NewTestPKI creates a fresh Root CA and initializes the helper.
func NewTestPKI(t *testing.T) *TestPKI {
	return NewTestPKIWithConfig(t, TestPKIConfig{
		Profile:         ECDSA_P256,
		IntermediateCAs: 1,
	})
}

// NewTestPKIWithConfig allows detailed configuration of the PKI.
func NewTestPKIWithConfig(t *testing.T, config TestPKIConfig) *TestPKI {
	rootKey := GenerateKey(t, config.Profile)

	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "PkgSign Test Root CA",
			Organization: []string{"PkgSign Test Org"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}

	rootBytes, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	if err != nil {
		Fail(t, "failed to create root cert: %v", err)
	}
	rootCert, err := x509.ParseCertificate(rootBytes)
	if err != nil {
		Fail(t, "failed to parse root cert: %v", err)
	}

	var intermediateKeys []crypto.Signer
	var intermediateCerts []*x509.Certificate

	parentKey := rootKey
	parentCert := rootCert

	for i := 0; i < config.IntermediateCAs; i++ {
		key := GenerateKey(t, config.Profile)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(int64(i + 2)),
			Subject: pkix.Name{
				CommonName:   fmt.Sprintf("PkgSign Test Intermediate CA %d", i+1),
				Organization: []string{"PkgSign Test Org"},
			},
			NotBefore:             time.Now().Add(-24 * time.Hour),
			NotAfter:              time.Now().Add(5 * 365 * 24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
			MaxPathLen:            config.IntermediateCAs - i - 1,
			MaxPathLenZero:        config.IntermediateCAs-i-1 == 0,
			SubjectKeyId:          []byte{5, 6, 7, 8, byte(i)},
			AuthorityKeyId:        parentCert.SubjectKeyId,
		}

		certBytes, err := x509.CreateCertificate(rand.Reader, template, parentCert, key.Public(), parentKey)
		if err != nil {
			Fail(t, "failed to create intermediate cert %d: %v", i, err)
		}
		cert, err := x509.ParseCertificate(certBytes)
		if err != nil {
			Fail(t, "failed to parse intermediate cert %d: %v", i, err)
		}

		intermediateKeys = append(intermediateKeys, key)
		intermediateCerts = append(intermediateCerts, cert)

		parentKey = key
		parentCert = cert
	}

	return &TestPKI{
		T:                 t,
		RootKey:           rootKey,
		RootCert:          rootCert,
		IntermediateKeys:  intermediateKeys,
		IntermediateCerts: intermediateCerts,
		Profile:           config.Profile,
		revoked:           make(map[string]bool),
	}
}

func (p *TestPKI) issuer() (*x509.Certificate, crypto.Signer) {
	if len(p.IntermediateCerts) > 0 {
		return p.IntermediateCerts[len(p.IntermediateCerts)-1], p.IntermediateKeys[len(p.IntermediateKeys)-1]
	}
	return p.RootCert, p.RootKey
}

// Issuer returns the certificate that signs leaves.
func (p *TestPKI) Issuer() *x509.Certificate {
	cert, _ := p.issuer()
	return cert
}

// Revoke marks a serial number as revoked.
func (p *TestPKI) Revoke(serial *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[serial.Text(16)] = true
}

func (p *TestPKI) isRevoked(serial *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revoked[serial.Text(16)]
}

// CRL returns a freshly signed CRL listing every revoked serial.
func (p *TestPKI) CRL() []byte {
	issuerCert, issuerKey := p.issuer()

	p.mu.Lock()
	var entries []x509.RevocationListEntry
	for serial := range p.revoked {
		n, _ := new(big.Int).SetString(serial, 16)
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   n,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}
	p.mu.Unlock()

	crlTemplate := &x509.RevocationList{
		Number:                    big.NewInt(time.Now().UnixNano()),
		ThisUpdate:                time.Now().Add(-time.Minute),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}

	crlBytes, err := x509.CreateRevocationList(rand.Reader, crlTemplate, issuerCert, issuerKey)
	if err != nil {
		Fail(p.T, "failed to create CRL: %v", err)
	}
	return crlBytes
}

// OCSPResponse returns a signed OCSP response for serial.
func (p *TestPKI) OCSPResponse(serial *big.Int) []byte {
	issuerCert, issuerKey := p.issuer()

	now := time.Now()
	template := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: serial,
		ThisUpdate:   now.Add(-1 * time.Hour),
		NextUpdate:   now.Add(24 * time.Hour),
	}
	if p.isRevoked(serial) {
		template.Status = ocsp.Revoked
		template.RevokedAt = now.Add(-time.Minute)
		template.RevocationReason = ocsp.KeyCompromise
	}

	respBytes, err := ocsp.CreateResponse(issuerCert, issuerCert, template, issuerKey)
	if err != nil {
		Fail(p.T, "failed to create OCSP response: %v", err)
	}
	return respBytes
}

// StartServer starts a mock HTTP server answering CRL, OCSP and CA issuer
// requests.
func (p *TestPKI) StartServer() {
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/crl":
			p.mu.Lock()
			p.crlRequests++
			fail := p.failCRL
			p.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/pkix-crl")
			_, _ = w.Write(p.CRL())

		case strings.HasPrefix(r.URL.Path, "/ocsp"):
			p.mu.Lock()
			p.ocspRequests++
			fail := p.failOCSP
			p.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			reqBytes, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			ocspReq, err := ocsp.ParseRequest(reqBytes)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			w.Header().Set("Content-Type", "application/ocsp-response")
			_, _ = w.Write(p.OCSPResponse(ocspReq.SerialNumber))

		case strings.HasPrefix(r.URL.Path, "/ca"):
			w.Header().Set("Content-Type", "application/x-x509-ca-cert")
			_, _ = w.Write(p.Issuer().Raw)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// SetFailures makes the responders answer with an internal server error.
func (p *TestPKI) SetFailures(ocsp, crl bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOCSP = ocsp
	p.failCRL = crl
}

// RequestCounts returns the number of OCSP and CRL requests served.
func (p *TestPKI) RequestCounts() (ocsp, crl int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ocspRequests, p.crlRequests
}

// IssueLeaf generates a new leaf certificate signed by the last intermediate.
func (p *TestPKI) IssueLeaf(commonName string) (crypto.Signer, *x509.Certificate) {
	return p.IssueLeafWith(LeafOptions{CommonName: commonName})
}

// IssueLeafWith generates a leaf certificate with custom validity and
// revocation settings.
func (p *TestPKI) IssueLeafWith(opts LeafOptions) (crypto.Signer, *x509.Certificate) {
	priv := GenerateKey(p.T, p.Profile)

	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-1 * time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(24 * time.Hour)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{"PkgSign Test Org"},
		},
		NotBefore:   opts.NotBefore,
		NotAfter:    opts.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if p.Server != nil && !opts.NoResponders {
		template.CRLDistributionPoints = []string{p.Server.URL + "/crl"}
		template.OCSPServer = []string{p.Server.URL + "/ocsp"}
		template.IssuingCertificateURL = []string{p.Server.URL + "/ca"}
	}

	issuerCert, issuerKey := p.issuer()
	certBytes, err := x509.CreateCertificate(rand.Reader, template, issuerCert, priv.Public(), issuerKey)
	if err != nil {
		Fail(p.T, "failed to issue leaf cert: %v", err)
	}

	leafCert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		Fail(p.T, "failed to parse leaf cert: %v", err)
	}

	if opts.Revoked {
		p.Revoke(leafCert.SerialNumber)
	}
	return priv, leafCert
}

// SelfSigned generates a certificate that is its own issuer and is not part
// of the hierarchy.
func SelfSigned(t *testing.T, commonName string) (crypto.Signer, *x509.Certificate) {
	priv := GenerateKey(t, ECDSA_P256)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		Fail(t, "failed to create self-signed cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		Fail(t, "failed to parse self-signed cert: %v", err)
	}
	return priv, cert
}

// Roots returns a pool holding the root certificate.
func (p *TestPKI) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.RootCert)
	return pool
}

// Chain returns the certificate chain for a leaf (Intermediate -> Root).
func (p *TestPKI) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for i := len(p.IntermediateCerts) - 1; i >= 0; i-- {
		chain = append(chain, p.IntermediateCerts[i])
	}
	chain = append(chain, p.RootCert)
	return chain
}

// Close stops the mock server.
func (p *TestPKI) Close() {
	if p.Server != nil {
		p.Server.Close()
	}
}

func Fail(t *testing.T, format string, args ...interface{}) {
	if t != nil {
		t.Fatalf(format, args...)
	} else {
		log.Fatalf(format, args...)
	}
}

func GenerateKey(t *testing.T, profile KeyProfile) crypto.Signer {
	switch profile {
	case RSA_2048:
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			Fail(t, "failed to generate RSA 2048 key: %v", err)
		}
		return k
	case ECDSA_P256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			Fail(t, "failed to generate P-256 key: %v", err)
		}
		return k
	case ECDSA_P384:
		k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			Fail(t, "failed to generate P-384 key: %v", err)
		}
		return k
	default:
		Fail(t, "unknown key profile: %s", profile)
		return nil
	}
}
