package aws

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"math/big"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/digitorus/pkgsign/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKMSClient struct {
	signFunc func(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

func (m *mockKMSClient) Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
	return m.signFunc(ctx, params, optFns...)
}

func TestSign(t *testing.T) {
	var got *kms.SignInput
	mock := &mockKMSClient{
		signFunc: func(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			got = params
			return &kms.SignOutput{Signature: []byte("mock-signature")}, nil
		},
	}

	signer, err := NewSigner(mock, "test-key", &rsa.PublicKey{N: big.NewInt(1), E: 65537})
	require.NoError(t, err)

	sig, err := signer.Sign(nil, []byte("digest"), crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, "mock-signature", string(sig))

	require.NotNil(t, got)
	assert.Equal(t, "test-key", *got.KeyId)
	assert.Equal(t, types.MessageTypeDigest, got.MessageType)
	assert.Equal(t, types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, got.SigningAlgorithm)
}

func TestSigningAlgorithm(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaPub := &rsa.PublicKey{N: big.NewInt(1), E: 65537}

	tests := []struct {
		name string
		pub  crypto.PublicKey
		opts crypto.SignerOpts
		want types.SigningAlgorithmSpec
	}{
		{"rsa sha512", rsaPub, crypto.SHA512, types.SigningAlgorithmSpecRsassaPkcs1V15Sha512},
		{"ecdsa sha384", ec.Public(), crypto.SHA384, types.SigningAlgorithmSpecEcdsaSha384},
		{"rsa sha1", rsaPub, crypto.SHA1, ""},
		{"rsa pss", rsaPub, &rsa.PSSOptions{Hash: crypto.SHA256}, ""},
		{"no key", nil, crypto.SHA256, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := algorithmFor(tt.pub, tt.opts)
			if tt.want == "" {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignErrors(t *testing.T) {
	_, err := NewSigner(nil, "test-key", nil)
	assert.Error(t, err)
	_, err = NewSigner(&mockKMSClient{}, "", nil)
	assert.Error(t, err)

	mock := &mockKMSClient{
		signFunc: func(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			return nil, errors.New("kms error")
		},
	}
	signer, err := NewSigner(mock, "test-key", &rsa.PublicKey{N: big.NewInt(1), E: 65537})
	require.NoError(t, err)

	_, err = signer.Sign(nil, []byte("digest"), crypto.SHA256)
	assert.ErrorContains(t, err, "kms error")
	assert.False(t, errors.Is(err, signature.ErrCancelled))

	_, err = signer.Sign(nil, []byte("digest"), &rsa.PSSOptions{Hash: crypto.SHA256})
	assert.ErrorContains(t, err, "RSA-PSS")

	_, err = signer.Sign(nil, []byte("digest"), crypto.MD5)
	assert.ErrorContains(t, err, "unsupported hash function")
}

func TestSignCancelled(t *testing.T) {
	mock := &mockKMSClient{
		signFunc: func(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			return nil, ctx.Err()
		},
	}
	signer, err := NewSigner(mock, "test-key", &rsa.PublicKey{N: big.NewInt(1), E: 65537})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = signer.SignContext(ctx, []byte("digest"), crypto.SHA256)
	assert.True(t, errors.Is(err, signature.ErrCancelled))
}
