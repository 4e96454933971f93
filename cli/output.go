package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/digitorus/pkgsign"
	"github.com/digitorus/pkgsign/engine"
	"github.com/digitorus/pkgsign/signature"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type reportView struct {
	Path       string           `json:"path" yaml:"path"`
	Status     signature.State  `json:"status" yaml:"status"`
	Summary    string           `json:"summary" yaml:"summary"`
	Policy     signature.Policy `json:"policy" yaml:"policy"`
	Signatures []signatureView  `json:"signatures" yaml:"signatures"`
}

type signatureView struct {
	ID                  uuid.UUID                   `json:"id" yaml:"id"`
	Signer              string                      `json:"signer" yaml:"signer"`
	Request             bool                        `json:"request" yaml:"request"`
	State               signature.State             `json:"state" yaml:"state"`
	Certificate         signature.CertificateStatus `json:"certificate" yaml:"certificate"`
	Date                *time.Time                  `json:"date,omitempty" yaml:"date,omitempty"`
	Reason              string                      `json:"reason,omitempty" yaml:"reason,omitempty"`
	Location            string                      `json:"location,omitempty" yaml:"location,omitempty"`
	RestrictsProperties bool                        `json:"restricts_properties" yaml:"restricts_properties"`
	RestrictsSigning    bool                        `json:"restricts_signing" yaml:"restricts_signing"`
}

func newReportView(path string, r *pkgsign.Report) reportView {
	v := reportView{
		Path:       path,
		Status:     r.Status,
		Summary:    engine.ResourcesFor(r.Status).Summary,
		Policy:     r.Policy,
		Signatures: []signatureView{},
	}
	for _, sig := range r.Signatures {
		sv := signatureView{
			ID:                  sig.ID,
			Signer:              sig.Signer,
			Request:             sig.Request,
			State:               sig.State,
			Certificate:         sig.CertificateStatus,
			Reason:              sig.Reason,
			Location:            sig.Location,
			RestrictsProperties: sig.RestrictsProperties,
			RestrictsSigning:    sig.RestrictsSigning,
		}
		if !sig.SignedOn.IsZero() {
			date := sig.SignedOn
			sv.Date = &date
		}
		v.Signatures = append(v.Signatures, sv)
	}
	return v
}

// write encodes v in format. Text output is produced by text.
func write(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}

func (v reportView) text(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s: %s\n%s\n", v.Path, v.Status, v.Summary); err != nil {
		return err
	}
	for _, sig := range v.Signatures {
		kind := "signature"
		if sig.Request {
			kind = "request"
		}
		line := fmt.Sprintf("  %s %s %s", kind, sig.ID, sig.Signer)
		if !sig.Request {
			line += fmt.Sprintf(" [%s, certificate %s]", sig.State, sig.Certificate)
		}
		if sig.Date != nil {
			line += " " + sig.Date.Format(time.RFC3339)
		}
		if sig.Reason != "" {
			line += fmt.Sprintf(" %q", sig.Reason)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
