// Package pkcs11 signs with a key held on a PKCS #11 token or HSM.
//
// The signer keeps a logged in session open until Close is called. A
// signing operation the user aborts on a PIN pad is reported as
// signature.ErrCancelled.
package pkcs11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/digitorus/pkgsign/signature"
	"github.com/digitorus/pkgsign/signers"
	"github.com/miekg/pkcs11"
)

// Config selects the token and key.
type Config struct {
	// Module is the path of the PKCS #11 library.
	Module string
	// Token is the token label. Empty selects the first token present.
	Token string
	// KeyLabel selects the certificate and private key by label. Empty
	// selects the first certificate and the key with the same CKA_ID.
	KeyLabel string
	// PIN logs in as the user when set. Tokens with a protected
	// authentication path ask for it on their own keypad.
	PIN string
}

// Signer implements crypto.Signer with a key on a token.
type Signer struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	cert    *x509.Certificate
}

// Open logs in to the token and looks up the certificate and its private
// key.
func Open(cfg Config) (*Signer, error) {
	if cfg.Module == "" {
		return nil, errors.New("pkcs11: module path is required")
	}

	ctx := pkcs11.New(cfg.Module)
	if ctx == nil {
		return nil, fmt.Errorf("pkcs11: failed to load module %s", cfg.Module)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("pkcs11: error initializing module: %w", err)
	}

	s := &Signer{ctx: ctx}
	if err := s.open(cfg); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Signer) open(cfg Config) error {
	slot, err := findSlot(s.ctx, cfg.Token)
	if err != nil {
		return err
	}

	s.session, err = s.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return fmt.Errorf("pkcs11: error opening session: %w", err)
	}
	if cfg.PIN != "" {
		if err := s.ctx.Login(s.session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			return fmt.Errorf("pkcs11: error logging in: %w", mapError(err))
		}
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
	if cfg.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.KeyLabel))
	}
	certObj, err := s.findOne(template)
	if err != nil {
		return fmt.Errorf("pkcs11: certificate: %w", err)
	}
	attrs, err := s.ctx.GetAttributeValue(s.session, certObj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
	})
	if err != nil {
		return fmt.Errorf("pkcs11: error reading certificate: %w", err)
	}
	s.cert, err = x509.ParseCertificate(attrs[0].Value)
	if err != nil {
		return fmt.Errorf("pkcs11: %w", err)
	}

	s.key, err = s.findOne([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, attrs[1].Value),
	})
	if err != nil {
		return fmt.Errorf("pkcs11: private key: %w", err)
	}
	return nil
}

func findSlot(ctx *pkcs11.Ctx, label string) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("pkcs11: error getting slots: %w", err)
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if label == "" || info.Label == label {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("pkcs11: token with label %q not found", label)
}

func (s *Signer) findOne(template []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return 0, err
	}
	objs, _, err := s.ctx.FindObjects(s.session, 1)
	if finalErr := s.ctx.FindObjectsFinal(s.session); err == nil {
		err = finalErr
	}
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, signature.ErrNotFound
	}
	return objs[0], nil
}

// Certificate returns the certificate stored with the key.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Public returns the public key of the certificate.
func (s *Signer) Public() crypto.PublicKey {
	return s.cert.PublicKey
}

// Sign signs digest on the token. RSA keys produce PKCS #1 v1.5 signatures.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	mechanism, input, err := prepare(s.cert.PublicKey, digest, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.SignInit(s.session, []*pkcs11.Mechanism{mechanism}, s.key); err != nil {
		return nil, fmt.Errorf("pkcs11: sign init failed: %w", mapError(err))
	}
	sig, err := s.ctx.Sign(s.session, input)
	if err != nil {
		return nil, fmt.Errorf("pkcs11: sign failed: %w", mapError(err))
	}

	if mechanism.Mechanism == pkcs11.CKM_ECDSA {
		return signers.ECDSAToASN1(sig)
	}
	return sig, nil
}

// prepare selects the mechanism for pub and encodes the data it signs.
func prepare(pub crypto.PublicKey, digest []byte, opts crypto.SignerOpts) (*pkcs11.Mechanism, []byte, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		if _, ok := opts.(*rsa.PSSOptions); ok {
			return nil, nil, errors.New("pkcs11: RSA-PSS is not supported")
		}
		info, err := signers.DigestInfo(opts.HashFunc(), digest)
		if err != nil {
			return nil, nil, fmt.Errorf("pkcs11: %w", err)
		}
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), info, nil
	case *ecdsa.PublicKey:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), digest, nil
	default:
		return nil, nil, fmt.Errorf("pkcs11: unsupported public key type %T", pub)
	}
}

// mapError turns the return values of an aborted PIN entry into
// signature.ErrCancelled.
func mapError(err error) error {
	var rv pkcs11.Error
	if errors.As(err, &rv) && rv == pkcs11.CKR_FUNCTION_CANCELED {
		return errors.Join(signature.ErrCancelled, err)
	}
	return err
}

// Close logs out and releases the module.
func (s *Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil
	}
	if s.session != 0 {
		_ = s.ctx.Logout(s.session)
		_ = s.ctx.CloseSession(s.session)
	}
	err := s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
	return err
}
