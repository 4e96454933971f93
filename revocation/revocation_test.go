package revocation

import (
	"context"
	"crypto/x509"
	"net/http"
	"testing"
	"time"

	"github.com/digitorus/pkgsign/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoArchivalMethods(t *testing.T) {
	info := InfoArchival{}
	assert.True(t, info.IsEmpty())

	require.NoError(t, info.AddCRL([]byte("crl")))
	require.NoError(t, info.AddOCSP([]byte("ocsp")))
	assert.Len(t, info.CRL, 1)
	assert.Len(t, info.OCSP, 1)
	assert.False(t, info.IsEmpty())

	clone := info.Clone()
	clone.CRL[0].FullBytes[0] = 'X'
	assert.Equal(t, byte('c'), info.CRL[0].FullBytes[0])

	var merged InfoArchival
	merged.Merge(info)
	merged.Merge(clone)
	assert.Len(t, merged.CRL, 2)
	assert.Len(t, merged.OCSP, 2)

	// Garbage never reports a status.
	assert.Equal(t, Unknown, info.Status(&x509.Certificate{}, nil))
}

func TestStatusFromEmbeddedData(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, good := pki.IssueLeaf("good")
	_, revoked := pki.IssueLeafWith(testpki.LeafOptions{CommonName: "revoked", Revoked: true})

	t.Run("crl", func(t *testing.T) {
		var info InfoArchival
		require.NoError(t, info.AddCRL(pki.CRL()))

		assert.Equal(t, Good, info.Status(good, pki.Issuer()))
		assert.Equal(t, Revoked, info.Status(revoked, pki.Issuer()))
		assert.True(t, info.IsRevoked(revoked))
		assert.False(t, info.IsRevoked(good))

		// A CRL from another issuer says nothing about the certificate.
		assert.Equal(t, Unknown, info.Status(pki.IntermediateCerts[0], nil))
	})

	t.Run("ocsp", func(t *testing.T) {
		var info InfoArchival
		require.NoError(t, info.AddOCSP(pki.OCSPResponse(good.SerialNumber)))
		require.NoError(t, info.AddOCSP(pki.OCSPResponse(revoked.SerialNumber)))

		assert.Equal(t, Good, info.Status(good, pki.Issuer()))
		assert.Equal(t, Revoked, info.Status(revoked, pki.Issuer()))
	})

	t.Run("revoked wins", func(t *testing.T) {
		var info InfoArchival
		require.NoError(t, info.AddOCSP(pki.OCSPResponse(good.SerialNumber)))
		require.NoError(t, info.AddCRL(pki.CRL()))
		pki.Revoke(good.SerialNumber)
		require.NoError(t, info.AddCRL(pki.CRL()))

		assert.Equal(t, Revoked, info.Status(good, pki.Issuer()))
	})
}

func TestFetcherCheck(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	pki.StartServer()
	defer pki.Close()

	_, good := pki.IssueLeaf("good")
	_, revoked := pki.IssueLeafWith(testpki.LeafOptions{CommonName: "revoked", Revoked: true})
	_, silent := pki.IssueLeafWith(testpki.LeafOptions{CommonName: "silent", NoResponders: true})

	cache := NewMemoryCache()
	f := &Fetcher{Timeout: 5 * time.Second, Cache: cache}
	ctx := context.Background()

	status, err := f.Check(ctx, good, pki.Issuer())
	require.NoError(t, err)
	assert.Equal(t, Good, status)

	status, err = f.Check(ctx, revoked, pki.Issuer())
	require.NoError(t, err)
	assert.Equal(t, Revoked, status)

	_, err = f.Check(ctx, silent, pki.Issuer())
	assert.ErrorIs(t, err, ErrNoResponder)

	// The second lookup for the good certificate is served from cache.
	before, _ := pki.RequestCounts()
	_, err = f.Check(ctx, good, pki.Issuer())
	require.NoError(t, err)
	after, _ := pki.RequestCounts()
	assert.Equal(t, before, after)
}

func TestFetcherFallsBackToCRL(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	pki.StartServer()
	defer pki.Close()
	pki.SetFailures(true, false)

	_, revoked := pki.IssueLeafWith(testpki.LeafOptions{CommonName: "revoked", Revoked: true})

	f := &Fetcher{Client: &http.Client{Timeout: 5 * time.Second}}
	status, err := f.Check(context.Background(), revoked, pki.Issuer())
	require.NoError(t, err)
	assert.Equal(t, Revoked, status)
}

func TestFetcherEmbed(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	pki.StartServer()
	defer pki.Close()

	_, good := pki.IssueLeaf("good")
	_, revoked := pki.IssueLeafWith(testpki.LeafOptions{CommonName: "revoked", Revoked: true})

	f := &Fetcher{}
	var info InfoArchival
	require.NoError(t, f.Embed(context.Background(), good, pki.Issuer(), &info))
	assert.Len(t, info.OCSP, 1)
	assert.Len(t, info.CRL, 1)
	assert.Equal(t, Good, info.Status(good, pki.Issuer()))

	var other InfoArchival
	assert.Error(t, f.Embed(context.Background(), revoked, pki.Issuer(), &other))
}

func TestBigCache(t *testing.T) {
	cache, err := NewBigCache(context.Background(), time.Minute, 0)
	require.NoError(t, err)
	defer func() {
		_ = cache.Close()
	}()

	_, ok := cache.Get("missing")
	assert.False(t, ok)

	cache.Put("key", []byte("value"))
	data, ok := cache.Get("key")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), data)
}
