package cli

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/digitorus/pkgsign/container"
	"github.com/digitorus/pkgsign/internal/testpki"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type env struct {
	dir    string
	pkg    string
	config string
	cert   string
	key    string
	chain  string
}

func writePEM(t *testing.T, path, typ string, blocks ...[]byte) {
	t.Helper()
	var buf bytes.Buffer
	for _, b := range blocks {
		require.NoError(t, pem.Encode(&buf, &pem.Block{Type: typ, Bytes: b}))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func writeKey(t *testing.T, path string, key crypto.Signer) {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	writePEM(t, path, "PRIVATE KEY", der)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	pki := testpki.NewTestPKI(t)
	t.Cleanup(pki.Close)

	e := &env{
		dir:    dir,
		pkg:    filepath.Join(dir, "contract.pkg"),
		config: filepath.Join(dir, "pkgsign.toml"),
		cert:   filepath.Join(dir, "alice.crt"),
		key:    filepath.Join(dir, "alice.key"),
		chain:  filepath.Join(dir, "chain.pem"),
	}

	key, cert := pki.IssueLeaf("Alice")
	writePEM(t, e.cert, "CERTIFICATE", cert.Raw)
	writeKey(t, e.key, key)
	var chain [][]byte
	for _, c := range pki.IntermediateCerts {
		chain = append(chain, c.Raw)
	}
	writePEM(t, e.chain, "CERTIFICATE", chain...)

	roots := filepath.Join(dir, "roots.pem")
	writePEM(t, roots, "CERTIFICATE", pki.RootCert.Raw)
	require.NoError(t, os.WriteFile(e.config, []byte(`
[log]
level = "error"

[verification]
roots_file = "`+filepath.ToSlash(roots)+`"
`), 0o600))

	p := container.New(e.pkg)
	require.NoError(t, p.AddPart("contract", "contract/body.xml", []byte("<body/>")))
	require.NoError(t, p.Save())
	return e
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := New()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	return ee.ExitCode()
}

func TestSignVerify(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "sign", e.pkg, "-c", e.config,
		"--cert", e.cert, "--key", e.key, "--chain", e.chain,
		"--reason", "approved", "--restrict-signatures")
	require.NoError(t, err)
	assert.Contains(t, out, "signed "+e.pkg+" as Alice")

	out, err = run(t, "verify", e.pkg, "-c", e.config, "-o", "json")
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &raw))
	assert.Equal(t, "Valid", raw["status"])
	assert.Equal(t, "ModifyDocumentProperties", raw["policy"])
	sigs := raw["signatures"].([]any)
	require.Len(t, sigs, 1)
	sig := sigs[0].(map[string]any)
	assert.Equal(t, "Alice", sig["signer"])
	assert.Equal(t, "Ok", sig["certificate"])
	assert.Equal(t, "approved", sig["reason"])
	assert.Equal(t, true, sig["restricts_signing"])

	out, err = run(t, "certs", e.pkg, "-c", e.config)
	require.NoError(t, err)
	assert.Contains(t, out, "CN=Alice")
	assert.Contains(t, out, "status:  Ok")

	out, err = run(t, "status", e.pkg, "-c", e.config)
	require.NoError(t, err)
	assert.Contains(t, out, "Valid")
}

func TestSignOutputFile(t *testing.T) {
	e := newEnv(t)
	signed := filepath.Join(e.dir, "signed.pkg")

	_, err := run(t, "sign", e.pkg, "-c", e.config, "--cert", e.cert, "--key", e.key, "--chain", e.chain,
		"--output-file", signed)
	require.NoError(t, err)

	_, err = run(t, "verify", signed, "-c", e.config)
	require.NoError(t, err)

	_, err = run(t, "verify", e.pkg, "-c", e.config)
	assert.Equal(t, ExitInvalid, exitCode(t, err))
}

func TestVerifyUnsigned(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "verify", e.pkg, "-c", e.config)
	assert.Equal(t, ExitInvalid, exitCode(t, err))
	assert.Contains(t, out, "NotSigned")
}

func TestRequestWithdraw(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "request", e.pkg, "-c", e.config, "--signer", "Bob", "--intent", "review", "--sign-by", "2026-12-01")
	require.NoError(t, err)
	id, err := uuid.Parse(strings.TrimSpace(out))
	require.NoError(t, err)

	out, err = run(t, "verify", e.pkg, "-c", e.config, "-o", "yaml")
	assert.Equal(t, ExitInvalid, exitCode(t, err))
	var report struct {
		Status     string `yaml:"status"`
		Signatures []struct {
			ID      string `yaml:"id"`
			Signer  string `yaml:"signer"`
			Request bool   `yaml:"request"`
			Reason  string `yaml:"reason"`
		} `yaml:"signatures"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, "NotSigned", report.Status)
	require.Len(t, report.Signatures, 1)
	assert.Equal(t, id.String(), report.Signatures[0].ID)
	assert.True(t, report.Signatures[0].Request)
	assert.Equal(t, "review", report.Signatures[0].Reason)

	_, err = run(t, "sign", e.pkg, "-c", e.config, "--cert", e.cert, "--key", e.key, "--chain", e.chain,
		"--request", id.String())
	require.NoError(t, err)

	_, err = run(t, "withdraw", e.pkg, id.String(), "-c", e.config)
	require.Error(t, err)

	_, err = run(t, "unsign", e.pkg, id.String(), "-c", e.config)
	require.NoError(t, err)
}

func TestUsageErrors(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"output format", []string{"status", e.pkg, "-c", e.config, "-o", "xml"}},
		{"missing key", []string{"sign", e.pkg, "-c", e.config}},
		{"request id", []string{"sign", e.pkg, "-c", e.config, "--cert", e.cert, "--key", e.key, "--request", "nope"}},
		{"withdraw id", []string{"withdraw", e.pkg, "nope", "-c", e.config}},
		{"sign-by", []string{"request", e.pkg, "-c", e.config, "--signer", "Bob", "--sign-by", "tomorrow"}},
		{"config", []string{"status", e.pkg, "-c", filepath.Join(e.dir, "missing.toml")}},
		{"log level", []string{"status", e.pkg, "-c", e.config, "--log-level", "loud"}},
		{"key without cert", []string{"sign", e.pkg, "-c", e.config, "--key", e.key}},
		{"kms without cert", []string{"sign", e.pkg, "-c", e.config, "--kms", "awskms:///alias/release"}},
		{"kms uri", []string{"sign", e.pkg, "-c", e.config, "--cert", e.cert, "--kms", "vault://key"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Equal(t, ExitUsage, exitCode(t, err))
		})
	}
}

func TestParseKMSURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    kmsKey
		wantErr bool
	}{
		{uri: "awskms:///alias/release", want: kmsKey{provider: "awskms", name: "alias/release"}},
		{uri: "awskms:///arn:aws:kms:eu-west-1:111122223333:key/1234abcd", want: kmsKey{provider: "awskms", name: "arn:aws:kms:eu-west-1:111122223333:key/1234abcd"}},
		{uri: "azurekms://signing.vault.azure.net/release", want: kmsKey{provider: "azurekms", vault: "https://signing.vault.azure.net", name: "release"}},
		{uri: "azurekms://signing.vault.azure.net/release/0a1b2c", want: kmsKey{provider: "azurekms", vault: "https://signing.vault.azure.net", name: "release", version: "0a1b2c"}},
		{
			uri:  "gcpkms://projects/p/locations/global/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1",
			want: kmsKey{provider: "gcpkms", name: "projects/p/locations/global/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"},
		},
		{uri: "awskms:///", wantErr: true},
		{uri: "azurekms://signing.vault.azure.net", wantErr: true},
		{uri: "azurekms://signing.vault.azure.net/a/b/c", wantErr: true},
		{uri: "gcpkms://projects/p/cryptoKeys/k", wantErr: true},
		{uri: "hashivault://transit/key", wantErr: true},
		{uri: "alias/release", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := parseKMSURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadCertificatesAndKey(t *testing.T) {
	dir := t.TempDir()
	pki := testpki.NewTestPKI(t)
	key, cert := pki.IssueLeaf("Alice")

	pemCert := filepath.Join(dir, "cert.pem")
	writePEM(t, pemCert, "CERTIFICATE", cert.Raw)
	derCert := filepath.Join(dir, "cert.der")
	require.NoError(t, os.WriteFile(derCert, cert.Raw, 0o600))
	pkcs8 := filepath.Join(dir, "key.pem")
	writeKey(t, pkcs8, key)
	chain := filepath.Join(dir, "chain.pem")
	writePEM(t, chain, "CERTIFICATE", cert.Raw, pki.IntermediateCerts[0].Raw, pki.RootCert.Raw)

	for _, path := range []string{pemCert, derCert} {
		c, k, ch, err := LoadCertificatesAndKey(path, pkcs8, chain)
		require.NoError(t, err)
		assert.True(t, c.Equal(cert))
		assert.Equal(t, key.Public(), k.Public())
		require.Len(t, ch, 2)
		assert.True(t, ch[0].Equal(pki.IntermediateCerts[0]))
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pkcs1 := filepath.Join(dir, "rsa.pem")
	writePEM(t, pkcs1, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey))
	k, err := LoadPrivateKey(pkcs1)
	require.NoError(t, err)
	assert.Equal(t, rsaKey.Public(), k.Public())

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	ecPath := filepath.Join(dir, "ec.pem")
	writePEM(t, ecPath, "EC PRIVATE KEY", sec1)
	k, err = LoadPrivateKey(ecPath)
	require.NoError(t, err)
	assert.Equal(t, ecKey.Public(), k.Public())

	_, err = LoadPrivateKey(derCert)
	assert.ErrorContains(t, err, "PEM block")
	_, err = LoadCertificates(derCert)
	assert.ErrorContains(t, err, "no certificates")
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = LoadCertificate(empty)
	assert.ErrorContains(t, err, "empty")

	pool, err := LoadRoots(chain)
	require.NoError(t, err)
	_, err = cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	assert.NoError(t, err)
}
