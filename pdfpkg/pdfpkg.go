// Package pdfpkg exposes the signatures of a PDF file through the package
// interface of the signature store. PDF documents are read-only: signatures
// and signature fields can be listed and verified but not changed.
package pdfpkg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pkgsign/signature"
	"github.com/google/uuid"
	"github.com/mattetti/filebuffer"
	"go.uber.org/zap"
)

// ErrReadOnly is returned by every call that would modify the document.
var ErrReadOnly = errors.New("pdf documents are read-only")

// fieldNamespace derives stable spot ids from signature field names.
var fieldNamespace = uuid.MustParse("6f1c3bb4-1d56-4c39-9a52-5c1bd2a0c3e1")

// FieldID returns the spot id of the signature field with the fully
// qualified name.
func FieldID(name string) uuid.UUID {
	return uuid.NewSHA1(fieldNamespace, []byte(name))
}

// Option configures a Document.
type Option func(*Document)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Document) {
		d.logger = logger
	}
}

// Document is a PDF file opened for signature inspection.
type Document struct {
	file io.ReaderAt
	size int64

	sigs   []*Signature
	defs   []signature.Definition
	logger *zap.Logger
}

// Open reads the PDF stored at path.
func Open(path string, opts ...Option) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return Read(filebuffer.New(data), int64(len(data)), opts...)
}

// Read parses the PDF in r and collects its signature fields.
func Read(r io.ReaderAt, size int64, opts ...Option) (doc *Document, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			doc = nil
			err = fmt.Errorf("failed to parse document: %v", rec)
		}
	}()

	d := &Document{file: r, size: size, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "pdfpkg"))

	rdr, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}

	fields := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	d.walkFields(fields, "")

	d.logger.Debug("document read",
		zap.Int("signatures", len(d.sigs)),
		zap.Int("definitions", len(d.defs)))
	return d, nil
}

// walkFields visits the field tree, qualifying names with their parents the
// way PDF forms do.
func (d *Document) walkFields(fields pdf.Value, parent string) {
	if fields.Kind() != pdf.Array {
		return
	}
	for i := 0; i < fields.Len(); i++ {
		field := fields.Index(i)

		name := field.Key("T").Text()
		if parent != "" && name != "" {
			name = parent + "." + name
		} else if name == "" {
			name = parent
		}

		if field.Key("FT").Name() == "Sig" {
			d.addField(field, name)
		}
		if kids := field.Key("Kids"); !kids.IsNull() {
			d.walkFields(kids, name)
		}
	}
}

func (d *Document) addField(field pdf.Value, name string) {
	v := field.Key("V")
	if v.IsNull() || v.Key("Contents").IsNull() {
		d.defs = append(d.defs, signature.Definition{
			SpotID:          FieldID(name),
			RequestedSigner: field.Key("TU").Text(),
		})
		return
	}

	sig, err := parseSignature(v, name)
	if err != nil {
		d.logger.Warn("ignoring unreadable signature",
			zap.String("field", name), zap.Error(err))
		return
	}
	d.sigs = append(d.sigs, sig)
}

// DocumentCount returns 1: a PDF file is a single document.
func (d *Document) DocumentCount() int {
	return 1
}

// Signatures returns the signed signature fields.
func (d *Document) Signatures() []signature.NativeSignature {
	out := make([]signature.NativeSignature, 0, len(d.sigs))
	for _, s := range d.sigs {
		out = append(out, s)
	}
	return out
}

// Definitions returns the unsigned signature fields.
func (d *Document) Definitions() []signature.Definition {
	return append([]signature.Definition(nil), d.defs...)
}

// HasDefinition reports whether an unsigned field has spot id id.
func (d *Document) HasDefinition(id uuid.UUID) bool {
	for _, def := range d.defs {
		if def.SpotID == id {
			return true
		}
	}
	return false
}

// CheckSignable always fails.
func (d *Document) CheckSignable() error {
	return ErrReadOnly
}

func (d *Document) Sign(ctx context.Context, req signature.SignRequest) (signature.NativeSignature, error) {
	return nil, ErrReadOnly
}

func (d *Document) RemoveSignature(uuid.UUID) error          { return ErrReadOnly }
func (d *Document) AddDefinition(signature.Definition) error { return ErrReadOnly }
func (d *Document) RemoveDefinition(uuid.UUID) error         { return ErrReadOnly }
