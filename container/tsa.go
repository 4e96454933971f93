package container

import (
	"bytes"
	"context"
	"encoding/asn1"
	"fmt"
	"io"
	"net/http"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

// addTimestamp requests a token over the signature value and attaches it as
// an unsigned attribute.
func (p *Package) addTimestamp(ctx context.Context, sd *pkcs7.SignedData) error {
	signedData := sd.GetSignedData()

	response, err := p.requestTimestamp(ctx, signedData.SignerInfos[0].EncryptedDigest)
	if err != nil {
		return fmt.Errorf("get timestamp: %w", err)
	}

	ts, err := timestamp.ParseResponse(response)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	if _, err := pkcs7.Parse(ts.RawToken); err != nil {
		return fmt.Errorf("parse timestamp token: %w", err)
	}

	attr := pkcs7.Attribute{
		Type:  oidTimeStampToken,
		Value: asn1.RawValue{FullBytes: ts.RawToken},
	}
	return signedData.SignerInfos[0].SetUnauthenticatedAttributes([]pkcs7.Attribute{attr})
}

func (p *Package) requestTimestamp(ctx context.Context, content []byte) ([]byte, error) {
	req, err := timestamp.CreateRequest(bytes.NewReader(content), &timestamp.RequestOptions{
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	tsa := p.opts.tsa
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tsa.URL, bytes.NewReader(req))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request (%s): %w", tsa.URL, err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Content-Transfer-Encoding", "binary")
	if tsa.Username != "" && tsa.Password != "" {
		httpReq.SetBasicAuth(tsa.Username, tsa.Password)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to contact %s: %w", tsa.URL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("non success response (%d): %s", resp.StatusCode, body)
	}
	return body, nil
}
