package pdfpkg

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/pkgsign/internal/testpki"
	"github.com/digitorus/pkgsign/signature"
	"github.com/mattetti/filebuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	byteRangePlaceholder = "/ByteRange [0 0000000000 0000000000 0000000000]"
	contentsSize         = 8192
)

type pdfOptions struct {
	// docMDP adds a certification reference with the given P value.
	docMDP int
}

// buildSignedPDF writes a one page PDF with a signed field "Approval" and an
// unsigned field "Review". The byte range and contents are filled in the
// same way a PDF signer does it.
func buildSignedPDF(t *testing.T, key crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate, opts pdfOptions) []byte {
	t.Helper()

	reference := ""
	if opts.docMDP != 0 {
		reference = fmt.Sprintf(" /Reference [<< /Type /SigRef /TransformMethod /DocMDP /TransformParams << /Type /TransformParams /P %d /V /1.2 >> >>]", opts.docMDP)
	}

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R /AcroForm << /Fields [4 0 R 5 0 R] /SigFlags 3 >> >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Annots [4 0 R 5 0 R] >>",
		"<< /FT /Sig /T (Approval) /Type /Annot /Subtype /Widget /Rect [0 0 0 0] /P 3 0 R /V 6 0 R >>",
		"<< /FT /Sig /T (Review) /TU (Bob) /Type /Annot /Subtype /Widget /Rect [0 0 0 0] /P 3 0 R >>",
		"<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /adbe.pkcs7.detached /Name (Alice) /Reason (approved) /Location (Delft) /M (D:20260101120000+00'00')" +
			reference + " " + byteRangePlaceholder + " /Contents <" + string(bytes.Repeat([]byte("0"), contentsSize*2)) + "> >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	data := buf.Bytes()

	start := bytes.Index(data, []byte("/Contents <")) + len("/Contents ")
	end := start + contentsSize*2 + 2
	byteRange := fmt.Sprintf("/ByteRange [0 %010d %010d %010d]", start, end, len(data)-end)
	require.Len(t, byteRange, len(byteRangePlaceholder))
	at := bytes.Index(data, []byte(byteRangePlaceholder))
	copy(data[at:], byteRange)

	content := append(append([]byte(nil), data[:start]...), data[end:]...)
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	require.NoError(t, sd.AddSignerChain(cert, key, chain, pkcs7.SignerInfoConfig{}))
	sd.Detach()
	der, err := sd.Finish()
	require.NoError(t, err)
	require.LessOrEqual(t, len(der), contentsSize)

	copy(data[start+1:], hex.EncodeToString(der))
	return data
}

func readPDF(t *testing.T, data []byte) *Document {
	t.Helper()
	doc, err := Read(filebuffer.New(data), int64(len(data)))
	require.NoError(t, err)
	return doc
}

func TestReadSignatureFields(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Alice")
	doc := readPDF(t, buildSignedPDF(t, key, cert, pki.IntermediateCerts, pdfOptions{}))

	assert.Equal(t, 1, doc.DocumentCount())

	sigs := doc.Signatures()
	require.Len(t, sigs, 1)
	sig := sigs[0].(*Signature)
	assert.Equal(t, FieldID("Approval"), sig.ID())
	assert.Equal(t, "Approval", sig.Field())
	assert.Equal(t, "Alice", sig.Name())
	assert.Equal(t, "approved", sig.Reason())
	assert.Equal(t, "Delft", sig.Location())
	assert.Equal(t, "Alice", sig.Signer().Subject.CommonName)
	assert.Equal(t, 2026, sig.SigningTime().Year())
	assert.Equal(t, signature.RestrictNone, sig.Restrictions())
	assert.Len(t, sig.Certificates(), len(pki.IntermediateCerts))

	defs := doc.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, FieldID("Review"), defs[0].SpotID)
	assert.Equal(t, "Bob", defs[0].RequestedSigner)
	assert.True(t, doc.HasDefinition(FieldID("Review")))
	assert.False(t, doc.HasDefinition(FieldID("Approval")))
}

func TestVerify(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Alice")
	data := buildSignedPDF(t, key, cert, pki.IntermediateCerts, pdfOptions{})

	doc := readPDF(t, data)
	assert.Equal(t, signature.VerifySuccess, doc.Verify(doc.Signatures()[0]))

	t.Run("tampered content", func(t *testing.T) {
		tampered := bytes.Replace(data, []byte("/MediaBox [0 0 612 792]"), []byte("/MediaBox [0 0 612 793]"), 1)
		doc := readPDF(t, tampered)
		assert.Equal(t, signature.VerifyInvalid, doc.Verify(doc.Signatures()[0]))
	})

	t.Run("signature of another document", func(t *testing.T) {
		other := readPDF(t, data)
		assert.Equal(t, signature.VerifyNotSigned, doc.Verify(other.Signatures()[0]))
	})
}

func TestCertificationSignature(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Alice")

	locked := buildSignedPDF(t, key, cert, pki.IntermediateCerts, pdfOptions{docMDP: 1})
	doc := readPDF(t, locked)
	sig := doc.Signatures()[0]
	assert.Equal(t, signature.RestrictCoreMetadata|signature.RestrictSignatureOrigin, sig.Restrictions())
	assert.Equal(t, signature.VerifySuccess, doc.Verify(sig))

	// Trailing bytes past the signed range count as a change.
	extended := readPDF(t, append(append([]byte(nil), locked...), "\n\n"...))
	assert.Equal(t, signature.VerifyInvalid, extended.Verify(extended.Signatures()[0]))

	formFilling := readPDF(t, buildSignedPDF(t, key, cert, pki.IntermediateCerts, pdfOptions{docMDP: 2}))
	assert.Equal(t, signature.RestrictCoreMetadata, formFilling.Signatures()[0].Restrictions())

	annotations := readPDF(t, buildSignedPDF(t, key, cert, pki.IntermediateCerts, pdfOptions{docMDP: 3}))
	assert.Equal(t, signature.RestrictCoreMetadata, annotations.Signatures()[0].Restrictions())
}

func TestReadByteRangeBounds(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Alice")
	doc := readPDF(t, buildSignedPDF(t, key, cert, nil, pdfOptions{}))

	tests := []struct {
		name   string
		ranges []int64
	}{
		{"empty", nil},
		{"not at start", []int64{1, 10}},
		{"odd entries", []int64{0, 10, 20}},
		{"negative length", []int64{0, -1}},
		{"past the end", []int64{0, doc.size + 1}},
		{"offset overflow", []int64{0, 10, 1, math.MaxInt64}},
		{"offset past the end", []int64{0, 10, math.MaxInt64, 1}},
		{"total larger than file", []int64{0, doc.size, 0, doc.size}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := doc.readByteRange(tt.ranges)
			assert.Error(t, err)
		})
	}

	content, err := doc.readByteRange([]int64{0, 4})
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(content))
}

func TestVerifyOversizedByteRange(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Alice")
	doc := readPDF(t, buildSignedPDF(t, key, cert, nil, pdfOptions{}))

	sig := doc.Signatures()[0].(*Signature)
	sig.byteRange = []int64{0, 10, 1, math.MaxInt64}
	assert.Equal(t, signature.VerifyInvalid, doc.Verify(sig))
}

func TestReadOnly(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Alice")
	data := buildSignedPDF(t, key, cert, nil, pdfOptions{})

	path := filepath.Join(t.TempDir(), "signed.pdf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	doc, err := Open(path)
	require.NoError(t, err)

	assert.ErrorIs(t, doc.CheckSignable(), ErrReadOnly)
	_, err = doc.Sign(context.Background(), signature.SignRequest{})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, doc.RemoveSignature(FieldID("Approval")), ErrReadOnly)
	assert.ErrorIs(t, doc.AddDefinition(signature.Definition{}), ErrReadOnly)
	assert.ErrorIs(t, doc.RemoveDefinition(FieldID("Review")), ErrReadOnly)
}

func TestReadErrors(t *testing.T) {
	_, err := Read(filebuffer.New([]byte("not a pdf")), 9)
	assert.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"D:20260101120000+00'00'", "2026-01-01T12:00:00Z"},
		{"D:20260101120000+02'00'", "2026-01-01T10:00:00Z"},
		{"D:20260101120000Z", "2026-01-01T12:00:00Z"},
		{"D:20260101120000", "2026-01-01T12:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.UTC().Format("2006-01-02T15:04:05Z07:00"))
		})
	}

	_, err := parseDate("yesterday")
	assert.Error(t, err)
}
