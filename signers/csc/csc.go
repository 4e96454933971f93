// Package csc signs with a credential held by a remote signing service that
// speaks the Cloud Signature Consortium API (v1.0.4 and v2).
//
// Usage:
//
//	signer, err := csc.NewSigner(ctx, csc.Config{
//	    BaseURL:      "https://signing-service.example.com/csc/v1",
//	    CredentialID: "my-signing-key",
//	    AuthToken:    "Bearer ey...",
//	})
//
//	ok, err := session.Sign(signer, signer.Certificate(), signer.Chain()...).Commit(ctx)
//
// A signature the user declines at the service is reported as
// signature.ErrCancelled.
package csc

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/digitorus/pkgsign/signature"
	"github.com/digitorus/pkgsign/signers"
)

// Signature algorithm OIDs.
const (
	oidRSAEncryption = "1.2.840.113549.1.1.1"
	oidRSASSAPSS     = "1.2.840.113549.1.1.10"
)

// DefaultTimeout bounds a single request when no client is configured.
const DefaultTimeout = 30 * time.Second

// Config configures the CSC signer.
type Config struct {
	// BaseURL is the CSC API base URL (e.g., "https://example.com/csc/v1")
	BaseURL string

	// CredentialID is the ID of the signing credential
	CredentialID string

	// AuthToken is the authorization header value (e.g., "Bearer token...")
	AuthToken string

	// PIN and OTP authorize the credential when the service asks for them.
	PIN string
	OTP string

	HTTPClient *http.Client
}

// Error is an error response of the service.
type Error struct {
	StatusCode  int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("csc: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("csc: HTTP %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

// Signer implements crypto.Signer using the CSC API.
type Signer struct {
	config   Config
	client   *http.Client
	cert     *x509.Certificate
	chain    []*x509.Certificate
	signAlgo string

	// ctx bounds requests made through crypto.Signer.Sign.
	ctx context.Context
}

// NewSigner fetches the certificates and algorithms of the credential.
// ctx also bounds the requests of later Sign calls.
func NewSigner(ctx context.Context, cfg Config) (*Signer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("csc: BaseURL is required")
	}
	if cfg.CredentialID == "" {
		return nil, errors.New("csc: CredentialID is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	s := &Signer{config: cfg, client: client, ctx: ctx}
	if err := s.fetchCredentialInfo(ctx); err != nil {
		return nil, fmt.Errorf("csc: failed to fetch credential info: %w", err)
	}
	return s, nil
}

type credentialInfoRequest struct {
	CredentialID string `json:"credentialID"`
	Certificates string `json:"certificates"`
}

type credentialInfoResponse struct {
	Key struct {
		Status string   `json:"status"`
		Algo   []string `json:"algo"`
		Len    int      `json:"len"`
	} `json:"key"`
	Cert struct {
		Status       string   `json:"status"`
		Certificates []string `json:"certificates"`
	} `json:"cert"`
	AuthMode string `json:"authMode"`
}

func (s *Signer) fetchCredentialInfo(ctx context.Context) error {
	var info credentialInfoResponse
	err := s.do(ctx, "credentials/info", credentialInfoRequest{
		CredentialID: s.config.CredentialID,
		Certificates: "chain",
	}, &info)
	if err != nil {
		return err
	}
	if info.Key.Status != "" && info.Key.Status != "enabled" {
		return fmt.Errorf("key is %s", info.Key.Status)
	}

	if len(info.Cert.Certificates) == 0 {
		return errors.New("credential has no certificate")
	}
	for i, b64 := range info.Cert.Certificates {
		der, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("failed to decode certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("failed to parse certificate: %w", err)
		}
		if i == 0 {
			s.cert = cert
		} else {
			s.chain = append(s.chain, cert)
		}
	}

	s.signAlgo = selectAlgo(info.Key.Algo)
	if s.signAlgo == "" {
		return fmt.Errorf("no supported signature algorithm in %v", info.Key.Algo)
	}
	return nil
}

// selectAlgo picks the first algorithm that yields a PKCS #1 v1.5 or ECDSA
// signature.
func selectAlgo(algos []string) string {
	for _, algo := range algos {
		if algo != oidRSASSAPSS {
			return algo
		}
	}
	return ""
}

// Certificate returns the signer certificate of the credential.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Chain returns the other certificates the service returned.
func (s *Signer) Chain() []*x509.Certificate {
	return s.chain
}

// Public returns the public key.
func (s *Signer) Public() crypto.PublicKey {
	return s.cert.PublicKey
}

type signHashRequest struct {
	CredentialID string   `json:"credentialID"`
	SAD          string   `json:"SAD,omitempty"`
	Hashes       []string `json:"hash"`
	HashAlgo     string   `json:"hashAlgo"`
	SignAlgo     string   `json:"signAlgo"`
}

type signHashResponse struct {
	Signatures []string `json:"signatures"`
}

// Sign signs the digest at the service.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignContext(s.ctx, digest, opts)
}

// SignContext signs the digest at the service.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	hashAlgo := hashAlgoName(opts.HashFunc())
	if hashAlgo == "" {
		return nil, fmt.Errorf("csc: unsupported hash algorithm: %v", opts.HashFunc())
	}

	sad, err := s.authorizeCredential(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("csc: failed to authorize credential: %w", err)
	}

	var resp signHashResponse
	err = s.do(ctx, "signatures/signHash", signHashRequest{
		CredentialID: s.config.CredentialID,
		SAD:          sad,
		Hashes:       []string{base64.StdEncoding.EncodeToString(digest)},
		HashAlgo:     hashAlgo,
		SignAlgo:     s.signAlgo,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("csc: sign request failed: %w", err)
	}
	if len(resp.Signatures) == 0 {
		return nil, errors.New("csc: no signatures returned")
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Signatures[0])
	if err != nil {
		return nil, fmt.Errorf("csc: failed to decode signature: %w", err)
	}
	return sig, nil
}

type authorizeCredentialRequest struct {
	CredentialID  string   `json:"credentialID"`
	NumSignatures int      `json:"numSignatures"`
	Hashes        []string `json:"hash,omitempty"`
	PIN           string   `json:"PIN,omitempty"`
	OTP           string   `json:"OTP,omitempty"`
}

type authorizeCredentialResponse struct {
	SAD string `json:"SAD"`
}

// authorizeCredential obtains the Signature Activation Data. Services
// without an authorize endpoint sign without one.
func (s *Signer) authorizeCredential(ctx context.Context, digest []byte) (string, error) {
	var resp authorizeCredentialResponse
	err := s.do(ctx, "credentials/authorize", authorizeCredentialRequest{
		CredentialID:  s.config.CredentialID,
		NumSignatures: 1,
		Hashes:        []string{base64.StdEncoding.EncodeToString(digest)},
		PIN:           s.config.PIN,
		OTP:           s.config.OTP,
	}, &resp)

	var apiErr *Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusNotImplemented) {
		return "", nil
	}
	return resp.SAD, err
}

// do posts body to endpoint and decodes the response into out.
func (s *Signer) do(ctx context.Context, endpoint string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/"+endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", s.config.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return signers.Cancelled(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return signers.Cancelled(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		if apiErr.Code == "access_denied" {
			return errors.Join(signature.ErrCancelled, apiErr)
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// hashAlgoName converts crypto.Hash to CSC algorithm name
func hashAlgoName(h crypto.Hash) string {
	switch h {
	case crypto.SHA256:
		return "2.16.840.1.101.3.4.2.1"
	case crypto.SHA384:
		return "2.16.840.1.101.3.4.2.2"
	case crypto.SHA512:
		return "2.16.840.1.101.3.4.2.3"
	case crypto.SHA1:
		return "1.3.14.3.2.26"
	default:
		return ""
	}
}
