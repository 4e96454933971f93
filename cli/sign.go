package cli

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/digitorus/pkgsign/signature"
	"github.com/digitorus/pkgsign/signers/csc"
	"github.com/digitorus/pkgsign/signers/pkcs11"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Environment variables holding secrets that should not appear in the
// process list.
const (
	EnvPKCS11PIN = "PKGSIGN_PKCS11_PIN"
	EnvCSCToken  = "PKGSIGN_CSC_TOKEN"
	EnvCSCPIN    = "PKGSIGN_CSC_PIN"
)

type signOptions struct {
	CertPath  string
	KeyPath   string
	ChainPath string

	PKCS11Module string
	PKCS11Token  string
	PKCS11Key    string

	CSCURL        string
	CSCCredential string

	KMS string

	Reason             string
	Location           string
	Request            string
	Output             string
	RestrictProperties bool
	RestrictSignatures bool
}

func (o *signOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.CertPath, "cert", "", "signer certificate (PEM or DER)")
	f.StringVar(&o.KeyPath, "key", "", "private key of the signer certificate (PEM)")
	f.StringVar(&o.ChainPath, "chain", "", "PEM bundle of intermediate certificates")
	f.StringVar(&o.PKCS11Module, "pkcs11-module", "", "PKCS #11 module holding the signing key; the PIN is read from "+EnvPKCS11PIN)
	f.StringVar(&o.PKCS11Token, "pkcs11-token", "", "label of the PKCS #11 token (default the first token)")
	f.StringVar(&o.PKCS11Key, "pkcs11-key", "", "label of the key on the PKCS #11 token")
	f.StringVar(&o.CSCURL, "csc-url", "", "base URL of a Cloud Signature Consortium service; the token is read from "+EnvCSCToken)
	f.StringVar(&o.CSCCredential, "csc-credential", "", "credential id at the CSC service")
	f.StringVar(&o.KMS, "kms", "", "cloud KMS key (awskms:///KEY, azurekms://VAULT/KEY[/VERSION] or gcpkms://projects/.../cryptoKeyVersions/N); needs --cert")
	f.StringVar(&o.Reason, "reason", "", "reason for signing")
	f.StringVar(&o.Location, "location", "", "location of the signer")
	f.StringVar(&o.Request, "request", "", "id of the signature request to fulfil")
	f.StringVar(&o.Output, "output-file", "", "write the signed document here instead of overwriting FILE")
	f.BoolVar(&o.RestrictProperties, "restrict-properties", false, "forbid changes to the document properties")
	f.BoolVar(&o.RestrictSignatures, "restrict-signatures", false, "forbid further signatures")

	cmd.MarkFlagsMutuallyExclusive("key", "pkcs11-module", "csc-url", "kms")
	cmd.MarkFlagsRequiredTogether("csc-url", "csc-credential")
}

// signingKey is a private key together with its certificate and the
// intermediates to embed.
type signingKey struct {
	signer crypto.Signer
	cert   *x509.Certificate
	chain  []*x509.Certificate
	close  func() error
}

func (o *signOptions) loadKey(ctx context.Context) (*signingKey, error) {
	var chain []*x509.Certificate
	if o.ChainPath != "" {
		certs, err := LoadCertificates(o.ChainPath)
		if err != nil {
			return nil, err
		}
		chain = certs
	}

	switch {
	case o.PKCS11Module != "":
		s, err := pkcs11.Open(pkcs11.Config{
			Module:   o.PKCS11Module,
			Token:    o.PKCS11Token,
			KeyLabel: o.PKCS11Key,
			PIN:      os.Getenv(EnvPKCS11PIN),
		})
		if err != nil {
			return nil, err
		}
		return &signingKey{signer: s, cert: s.Certificate(), chain: chain, close: s.Close}, nil

	case o.CSCURL != "":
		s, err := csc.NewSigner(ctx, csc.Config{
			BaseURL:      o.CSCURL,
			CredentialID: o.CSCCredential,
			AuthToken:    os.Getenv(EnvCSCToken),
			PIN:          os.Getenv(EnvCSCPIN),
		})
		if err != nil {
			return nil, err
		}
		if chain == nil {
			chain = s.Chain()
		}
		return &signingKey{signer: s, cert: s.Certificate(), chain: chain, close: func() error { return nil }}, nil

	case o.KMS != "":
		ref, err := parseKMSURI(o.KMS)
		if err != nil {
			return nil, &ExitError{Code: ExitUsage, Err: err}
		}
		if o.CertPath == "" {
			return nil, &ExitError{Code: ExitUsage, Err: errors.New("--kms needs --cert")}
		}
		cert, err := LoadCertificate(o.CertPath)
		if err != nil {
			return nil, err
		}
		s, closeFn, err := ref.open(ctx, cert.PublicKey)
		if err != nil {
			return nil, err
		}
		return &signingKey{signer: s, cert: cert, chain: chain, close: closeFn}, nil

	case o.KeyPath != "":
		if o.CertPath == "" {
			return nil, &ExitError{Code: ExitUsage, Err: errors.New("--key needs --cert")}
		}
		cert, key, fileChain, err := LoadCertificatesAndKey(o.CertPath, o.KeyPath, o.ChainPath)
		if err != nil {
			return nil, err
		}
		return &signingKey{signer: key, cert: cert, chain: fileChain, close: func() error { return nil }}, nil
	}
	return nil, &ExitError{Code: ExitUsage, Err: errors.New("one of --key, --pkcs11-module, --csc-url or --kms is required")}
}

func newSignCommand(ro *rootOptions) *cobra.Command {
	o := &signOptions{}

	long := `Sign a document.

The signing key is read from a file, a PKCS #11 token, a Cloud Signature
Consortium service or a cloud KMS (AWS, Azure Key Vault, Google Cloud). The document is saved in place unless --output-file is
given. When signing fails or the document cannot be saved, it is left
unchanged.`

	cmd := &cobra.Command{
		Use:   "sign FILE",
		Short: "Sign a document.",
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var fulfil uuid.UUID
			if o.Request != "" {
				id, err := uuid.Parse(o.Request)
				if err != nil {
					return &ExitError{Code: ExitUsage, Err: fmt.Errorf("invalid request id: %w", err)}
				}
				fulfil = id
			}

			key, err := o.loadKey(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := key.close(); err != nil {
					ro.logger.Warn("failed to release signing key", zap.Error(err))
				}
			}()

			s, release, err := ro.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer release()

			b := s.Sign(key.signer, key.cert, key.chain...).
				Reason(o.Reason).
				Location(o.Location).
				Fulfil(fulfil).
				SaveAs(o.Output)
			if o.RestrictProperties {
				b.RestrictProperties()
			}
			if o.RestrictSignatures {
				b.RestrictSignatures()
			}

			ok, err := b.Commit(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return &ExitError{Code: ExitCancelled, Err: signature.ErrCancelled}
			}

			target := args[0]
			if o.Output != "" {
				target = o.Output
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "signed %s as %s\n", target, signature.SubjectNameOf(key.cert))
			return err
		},
	}

	o.addFlags(cmd)
	return cmd
}
