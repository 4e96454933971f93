package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/digitorus/pkgsign/engine"
	"github.com/digitorus/pkgsign/signature"
	"github.com/spf13/cobra"
)

func newStatusCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status FILE",
		Short: "Print the signature status of a document.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, release, err := ro.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer release()

			report, err := s.Verify(cmd.Context())
			if err != nil {
				return err
			}
			v := struct {
				Path    string           `json:"path" yaml:"path"`
				Status  signature.State  `json:"status" yaml:"status"`
				Policy  signature.Policy `json:"policy" yaml:"policy"`
				Summary string           `json:"summary" yaml:"summary"`
			}{args[0], report.Status, report.Policy, engine.ResourcesFor(report.Status).Summary}
			return write(cmd.OutOrStdout(), ro.Format, v, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %s (%s)\n", v.Path, v.Status, v.Summary)
				return err
			})
		},
	}
}

func newVerifyCommand(ro *rootOptions) *cobra.Command {
	long := `Verify every signature of a document.

The content digest and signature value of each signature is checked, then the
certificate chain of every signer is built and classified. The command exits
with status 1 unless the document is signed and every signature is valid.`

	return &cobra.Command{
		Use:   "verify FILE",
		Short: "Verify the signatures of a document.",
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, release, err := ro.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer release()

			report, err := s.Verify(cmd.Context())
			if err != nil {
				return err
			}
			v := newReportView(args[0], report)
			if err := write(cmd.OutOrStdout(), ro.Format, v, v.text); err != nil {
				return err
			}
			if !report.Valid() {
				return &ExitError{Code: ExitInvalid, Err: fmt.Errorf("%s: %s", args[0], report.Status)}
			}
			return nil
		},
	}
}

type certificateView struct {
	Signature string                      `json:"signature" yaml:"signature"`
	Subject   string                      `json:"subject" yaml:"subject"`
	Issuer    string                      `json:"issuer" yaml:"issuer"`
	Serial    string                      `json:"serial" yaml:"serial"`
	NotBefore time.Time                   `json:"not_before" yaml:"not_before"`
	NotAfter  time.Time                   `json:"not_after" yaml:"not_after"`
	Status    signature.CertificateStatus `json:"status" yaml:"status"`
}

func newCertsCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "certs FILE",
		Short: "List the signer certificates of a document and their status.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, release, err := ro.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer release()

			if _, err := s.Verify(cmd.Context()); err != nil {
				return err
			}

			certs := []certificateView{}
			for _, sig := range s.Signatures() {
				if sig.Certificate == nil {
					continue
				}
				certs = append(certs, certificateView{
					Signature: sig.ID.String(),
					Subject:   sig.Certificate.Subject.String(),
					Issuer:    sig.Certificate.Issuer.String(),
					Serial:    sig.Certificate.SerialNumber.Text(16),
					NotBefore: sig.Certificate.NotBefore,
					NotAfter:  sig.Certificate.NotAfter,
					Status:    s.Engine().CertificateStatus(sig),
				})
			}

			return write(cmd.OutOrStdout(), ro.Format, certs, func(w io.Writer) error {
				for _, c := range certs {
					_, err := fmt.Fprintf(w, "%s\n  subject: %s\n  issuer:  %s\n  serial:  %s\n  valid:   %s to %s\n  status:  %s\n",
						c.Signature, c.Subject, c.Issuer, c.Serial,
						c.NotBefore.Format(time.DateOnly), c.NotAfter.Format(time.DateOnly), c.Status)
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
