package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type requestOptions struct {
	Signer   string
	Intent   string
	Location string
	SignBy   string
	Output   string
}

func newRequestCommand(ro *rootOptions) *cobra.Command {
	o := &requestOptions{}

	cmd := &cobra.Command{
		Use:   "request FILE",
		Short: "Request a signature on a document.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var signBy time.Time
			if o.SignBy != "" {
				t, err := time.Parse(time.DateOnly, o.SignBy)
				if err != nil {
					return &ExitError{Code: ExitUsage, Err: fmt.Errorf("invalid --sign-by date: %w", err)}
				}
				signBy = t
			}

			s, release, err := ro.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer release()

			id, err := s.Request(o.Signer).
				Intent(o.Intent).
				Location(o.Location).
				SignBy(signBy).
				SaveAs(o.Output).
				Commit(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.Signer, "signer", "", "name of the requested signer")
	f.StringVar(&o.Intent, "intent", "", "what the signer agrees to")
	f.StringVar(&o.Location, "location", "", "suggested signing location")
	f.StringVar(&o.SignBy, "sign-by", "", "date the signature is due (YYYY-MM-DD)")
	f.StringVar(&o.Output, "output-file", "", "write the document here instead of overwriting FILE")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func newWithdrawCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw FILE REQUEST-ID",
		Short: "Withdraw a signature request.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			s, release, err := ro.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer release()

			return s.Withdraw(cmd.Context(), id)
		},
	}
}

func newUnsignCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unsign FILE SIGNATURE-ID",
		Short: "Remove a signature from a document.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			s, release, err := ro.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer release()

			return s.Unsign(cmd.Context(), id)
		},
	}
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &ExitError{Code: ExitUsage, Err: fmt.Errorf("invalid id %q: %w", s, err)}
	}
	return id, nil
}
