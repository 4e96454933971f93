package container

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitorus/pkgsign/internal/testpki"
	"github.com/digitorus/pkgsign/revocation"
	"github.com/digitorus/pkgsign/signature"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signerFixture struct {
	key   crypto.Signer
	cert  *x509.Certificate
	chain []*x509.Certificate
}

func newSigner(t *testing.T, pki *testpki.TestPKI, cn string) signerFixture {
	t.Helper()
	key, cert := pki.IssueLeaf(cn)
	return signerFixture{key: key, cert: cert, chain: pki.Chain()}
}

func (f signerFixture) request(r signature.Restriction) signature.SignRequest {
	return signature.SignRequest{
		ID:           uuid.New(),
		Certificate:  f.cert,
		Chain:        f.chain[:len(f.chain)-1],
		Signer:       f.key,
		Restrictions: r,
	}
}

func newTestPackage(t *testing.T, opts ...Option) *Package {
	t.Helper()
	p := New(filepath.Join(t.TempDir(), "contract.pkg"), opts...)
	require.NoError(t, p.AddPart("contract", "contract/body.xml", []byte("<body>terms</body>")))
	require.NoError(t, p.AddPart("contract", "contract/annex.xml", []byte("<annex/>")))
	p.SetProperties(Properties{Title: "Contract", Creator: "Legal"})
	return p
}

func TestSignSaveOpenVerify(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	alice := newSigner(t, pki, "Alice")
	ctx := context.Background()

	p := newTestPackage(t)
	require.NoError(t, p.CheckSignable())

	def := signature.Definition{SpotID: uuid.New(), RequestedSigner: "Bob", Intent: "review", Location: "Delft"}
	require.NoError(t, p.AddDefinition(def))

	req := alice.request(signature.RestrictCoreMetadata)
	native, err := p.Sign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, native.ID())
	assert.Equal(t, signature.VerifySuccess, p.Verify(native))
	require.NoError(t, p.Save())

	reopened, err := Open(p.Path())
	require.NoError(t, err)
	require.NoError(t, reopened.CheckSignable())
	assert.Equal(t, 1, reopened.DocumentCount())
	assert.Equal(t, "Contract", reopened.Properties().Title)
	assert.False(t, reopened.PropertiesChanged())

	sigs := reopened.Signatures()
	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, req.ID, sig.ID())
	assert.Equal(t, "Alice", sig.Signer().Subject.CommonName)
	assert.Equal(t, signature.RestrictCoreMetadata, sig.Restrictions())
	assert.WithinDuration(t, time.Now(), sig.SigningTime(), time.Minute)
	assert.Len(t, sig.(*Signature).Certificates(), len(pki.IntermediateCerts))
	assert.Equal(t, signature.VerifySuccess, reopened.Verify(sig))

	defs := reopened.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, def, defs[0])
	assert.True(t, reopened.HasDefinition(def.SpotID))

	body, ok := reopened.Part("contract/body.xml")
	require.True(t, ok)
	assert.Equal(t, "<body>terms</body>", string(body))
}

func TestVerifyDetectsChanges(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	alice := newSigner(t, pki, "Alice")
	ctx := context.Background()

	t.Run("content", func(t *testing.T) {
		p := newTestPackage(t)
		native, err := p.Sign(ctx, alice.request(signature.RestrictNone))
		require.NoError(t, err)

		require.NoError(t, p.AddPart("contract", "contract/body.xml", []byte("<body>other terms</body>")))
		assert.Equal(t, signature.VerifyInvalid, p.Verify(native))
	})

	t.Run("restricted properties", func(t *testing.T) {
		p := newTestPackage(t)
		restricted, err := p.Sign(ctx, alice.request(signature.RestrictCoreMetadata))
		require.NoError(t, err)
		open, err := p.Sign(ctx, alice.request(signature.RestrictNone))
		require.NoError(t, err)

		props := p.Properties()
		props.Title = "Changed"
		p.SetProperties(props)
		assert.True(t, p.PropertiesChanged())

		assert.Equal(t, signature.VerifyInvalid, p.Verify(restricted))
		assert.Equal(t, signature.VerifySuccess, p.Verify(open))
	})

	t.Run("restricted signature origin", func(t *testing.T) {
		p := newTestPackage(t)
		first, err := p.Sign(ctx, alice.request(signature.RestrictSignatureOrigin))
		require.NoError(t, err)
		assert.Equal(t, signature.VerifySuccess, p.Verify(first))

		second, err := p.Sign(ctx, alice.request(signature.RestrictNone))
		require.NoError(t, err)
		assert.Equal(t, signature.VerifyInvalid, p.Verify(first))
		assert.Equal(t, signature.VerifySuccess, p.Verify(second))

		// Removing the later signature restores the original set.
		require.NoError(t, p.RemoveSignature(second.ID()))
		assert.Equal(t, signature.VerifySuccess, p.Verify(first))
		assert.Equal(t, signature.VerifyNotSigned, p.Verify(second))
	})
}

func TestSetPropertiesWithoutChange(t *testing.T) {
	p := New("")
	p.SetProperties(Properties{})
	assert.False(t, p.PropertiesChanged())
	assert.False(t, p.CanSave())
	assert.Error(t, p.Save())
}

type cancellingSigner struct {
	crypto.Signer
}

func (c cancellingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, fmt.Errorf("PIN prompt dismissed: %w", signature.ErrCancelled)
}

type failingSigner struct {
	crypto.Signer
}

func (f failingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, errors.New("device error")
}

func TestSignErrors(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	alice := newSigner(t, pki, "Alice")
	ctx := context.Background()
	p := newTestPackage(t)

	req := alice.request(signature.RestrictNone)
	req.Signer = cancellingSigner{alice.key}
	_, err := p.Sign(ctx, req)
	assert.ErrorIs(t, err, signature.ErrCancelled)

	req = alice.request(signature.RestrictNone)
	req.Signer = failingSigner{alice.key}
	_, err = p.Sign(ctx, req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, signature.ErrCancelled)

	req = alice.request(signature.RestrictNone)
	req.ID = uuid.Nil
	_, err = p.Sign(ctx, req)
	assert.Error(t, err)

	req = alice.request(signature.RestrictNone)
	_, err = p.Sign(ctx, req)
	require.NoError(t, err)
	_, err = p.Sign(ctx, req)
	assert.Error(t, err, "spot ids are unique")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Sign(cancelled, alice.request(signature.RestrictNone))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, p.Signatures(), 1)
}

func TestSignEmbedsRevocationData(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	pki.StartServer()
	defer pki.Close()
	alice := newSigner(t, pki, "Alice")

	p := newTestPackage(t, WithRevocation(&revocation.Fetcher{Timeout: 5 * time.Second}))
	native, err := p.Sign(context.Background(), alice.request(signature.RestrictNone))
	require.NoError(t, err)

	info := native.(*Signature).RevocationInfo()
	assert.False(t, info.IsEmpty())
	assert.Equal(t, revocation.Good, info.Status(alice.cert, pki.Issuer()))

	_, revokedCert := pki.IssueLeafWith(testpki.LeafOptions{CommonName: "Mallory", Revoked: true})
	req := alice.request(signature.RestrictNone)
	req.Certificate = revokedCert
	_, err = p.Sign(context.Background(), req)
	assert.Error(t, err)
}

func TestSignTimestampFailure(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	alice := newSigner(t, pki, "Alice")

	tsa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/timestamp-query", r.Header.Get("Content-Type"))
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer tsa.Close()

	p := newTestPackage(t, WithTSA(TSA{URL: tsa.URL}))
	_, err := p.Sign(context.Background(), alice.request(signature.RestrictNone))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Empty(t, p.Signatures())
}

func TestCheckSignable(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Error(t, New("").CheckSignable())
	})

	t.Run("case folding collision", func(t *testing.T) {
		p := New("")
		require.NoError(t, p.AddPart("doc", "Pages/One.xml", []byte("a")))
		require.NoError(t, p.AddPart("doc", "pages/one.XML", []byte("b")))
		err := p.CheckSignable()
		require.Error(t, err)
		var structure *StructureError
		require.ErrorAs(t, err, &structure)
		assert.Equal(t, "pages/one.XML", structure.Part)
	})

	t.Run("normalization collision", func(t *testing.T) {
		p := New("")
		require.NoError(t, p.AddPart("doc", "caf\u00e9.xml", []byte("a")))
		require.NoError(t, p.AddPart("doc", "cafe\u0301.xml", []byte("b")))
		assert.Error(t, p.CheckSignable())
	})

	t.Run("reserved names are refused", func(t *testing.T) {
		p := New("")
		assert.Error(t, p.AddPart("doc", ManifestName, nil))
		assert.Error(t, p.AddPart("doc", "_signatures/x.p7s", nil))
		assert.Error(t, p.AddPart("doc", "", nil))
	})
}

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "test.pkg")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestOpenStructureErrors(t *testing.T) {
	notZip := filepath.Join(t.TempDir(), "plain.pkg")
	require.NoError(t, os.WriteFile(notZip, []byte("plain text"), 0o600))

	tests := []struct {
		name string
		path string
	}{
		{"not a zip", notZip},
		{"missing manifest", writeZip(t, map[string]string{"a.xml": "x"})},
		{"malformed manifest", writeZip(t, map[string]string{ManifestName: "documents: [unterminated"})},
		{"unsupported version", writeZip(t, map[string]string{ManifestName: "version: 7\n"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.path)
			var structure *StructureError
			assert.ErrorAs(t, err, &structure)
		})
	}

	_, err := Open(filepath.Join(t.TempDir(), "missing.pkg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBrokenSignatureMakesPackageUnsignable(t *testing.T) {
	path := writeZip(t, map[string]string{
		ManifestName: "version: 1\ndocuments:\n  - name: doc\n    parts: [a.xml]\n",
		"a.xml":      "content",
		"_signatures/" + uuid.NewString() + ".p7s": "garbage",
		"_signatures/notes.txt":                     "stray",
	})

	p, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, p.Signatures())

	err = p.CheckSignable()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable signature")
	assert.Contains(t, err.Error(), "unexpected entry")

	// Unknown entries survive a save.
	out := filepath.Join(t.TempDir(), "copy.pkg")
	require.NoError(t, p.SaveAs(out))
	assert.Equal(t, out, p.Path())
	copied, err := Open(out)
	require.NoError(t, err)
	assert.Error(t, copied.CheckSignable())
}

func TestDefinitions(t *testing.T) {
	p := newTestPackage(t)

	assert.Error(t, p.AddDefinition(signature.Definition{SpotID: uuid.New(), Document: 3}))

	id := uuid.New()
	require.NoError(t, p.AddDefinition(signature.Definition{SpotID: id}))
	assert.Error(t, p.AddDefinition(signature.Definition{SpotID: id}))
	assert.True(t, p.HasDefinition(id))

	require.NoError(t, p.RemoveDefinition(id))
	assert.False(t, p.HasDefinition(id))
	assert.ErrorIs(t, p.RemoveDefinition(id), signature.ErrNotFound)
	assert.ErrorIs(t, p.RemoveSignature(id), signature.ErrNotFound)
}
