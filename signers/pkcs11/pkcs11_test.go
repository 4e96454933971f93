package pkcs11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/digitorus/pkgsign/signature"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRequiresModule(t *testing.T) {
	_, err := Open(Config{Token: "token"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module path")
}

func TestOpenMissingModule(t *testing.T) {
	_, err := Open(Config{Module: "/nonexistent/libpkcs11.so"})
	require.Error(t, err)
}

func TestPrepare(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("content"))

	m, input, err := prepare(&rsaKey.PublicKey, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS), m.Mechanism)
	assert.Len(t, input, 19+len(digest))
	assert.Equal(t, digest[:], input[19:])

	m, input, err = prepare(&ecKey.PublicKey, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_ECDSA), m.Mechanism)
	assert.Equal(t, digest[:], input)

	_, _, err = prepare(&rsaKey.PublicKey, digest[:], &rsa.PSSOptions{Hash: crypto.SHA256})
	assert.Error(t, err)
	_, _, err = prepare("not a key", digest[:], crypto.SHA256)
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	cancelled := mapError(fmt.Errorf("sign: %w", pkcs11.Error(pkcs11.CKR_FUNCTION_CANCELED)))
	assert.ErrorIs(t, cancelled, signature.ErrCancelled)

	pinIncorrect := mapError(pkcs11.Error(pkcs11.CKR_PIN_INCORRECT))
	assert.False(t, errors.Is(pinIncorrect, signature.ErrCancelled))
}
