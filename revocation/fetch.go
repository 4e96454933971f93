package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"golang.org/x/crypto/ocsp"
)

// DefaultTimeout bounds a single OCSP or CRL request.
const DefaultTimeout = 10 * time.Second

// ErrNoResponder is returned when a certificate carries neither an OCSP
// server nor a CRL distribution point.
var ErrNoResponder = errors.New("certificate has no OCSP server or CRL distribution point")

// Cache stores raw revocation responses keyed by request URL.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte)
}

// MemoryCache implements a simple thread-safe in-memory cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string][]byte),
	}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.items[key]
	return data, ok
}

func (c *MemoryCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = data
}

// BigCache is a Cache with time based eviction.
type BigCache struct {
	cache *bigcache.BigCache
}

// NewBigCache creates a cache whose entries expire after lifeWindow. maxMB
// caps the memory used, zero means unbounded.
func NewBigCache(ctx context.Context, lifeWindow time.Duration, maxMB int) (*BigCache, error) {
	config := bigcache.DefaultConfig(lifeWindow)
	config.Shards = 64
	config.HardMaxCacheSize = maxMB
	config.Verbose = false

	cache, err := bigcache.New(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation cache: %w", err)
	}
	return &BigCache{cache: cache}, nil
}

func (c *BigCache) Get(key string) ([]byte, bool) {
	data, err := c.cache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *BigCache) Put(key string, data []byte) {
	_ = c.cache.Set(key, data)
}

// Close releases the cache.
func (c *BigCache) Close() error {
	return c.cache.Close()
}

// Fetcher retrieves revocation status from the responders named in a
// certificate.
type Fetcher struct {
	Client  *http.Client
	Timeout time.Duration
	Cache   Cache
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Check asks the OCSP responders of cert first and falls back to its CRL
// distribution points.
func (f *Fetcher) Check(ctx context.Context, cert, issuer *x509.Certificate) (Status, error) {
	if len(cert.OCSPServer) == 0 && len(cert.CRLDistributionPoints) == 0 {
		return Unknown, ErrNoResponder
	}

	var errs []error
	if issuer != nil && len(cert.OCSPServer) > 0 {
		der, err := f.fetchOCSP(ctx, cert, issuer)
		if err == nil {
			if status := ocspStatus(der, cert, issuer); status != Unknown {
				return status, nil
			}
		} else {
			errs = append(errs, err)
		}
	}

	if len(cert.CRLDistributionPoints) > 0 {
		der, err := f.fetchCRL(ctx, cert)
		if err == nil {
			if status := crlStatus(der, cert, issuer); status != Unknown {
				return status, nil
			}
		} else {
			errs = append(errs, err)
		}
	}

	return Unknown, errors.Join(errs...)
}

// Embed fetches revocation data for cert and appends it to info. It fails if
// the certificate is revoked or no responder could be reached.
func (f *Fetcher) Embed(ctx context.Context, cert, issuer *x509.Certificate, info *InfoArchival) error {
	var embedded bool
	var errs []error

	if issuer != nil && len(cert.OCSPServer) > 0 {
		der, err := f.fetchOCSP(ctx, cert, issuer)
		switch {
		case err != nil:
			errs = append(errs, err)
		case ocspStatus(der, cert, issuer) == Revoked:
			return fmt.Errorf("certificate %x is revoked according to OCSP", cert.SerialNumber)
		default:
			_ = info.AddOCSP(der)
			embedded = true
		}
	}

	if len(cert.CRLDistributionPoints) > 0 {
		der, err := f.fetchCRL(ctx, cert)
		switch {
		case err != nil:
			errs = append(errs, err)
		case crlStatus(der, cert, issuer) == Revoked:
			return fmt.Errorf("certificate %x is revoked according to CRL", cert.SerialNumber)
		default:
			_ = info.AddCRL(der)
			embedded = true
		}
	}

	if embedded {
		return nil
	}
	if len(errs) == 0 {
		return ErrNoResponder
	}
	return fmt.Errorf("revocation check failed: %w", errors.Join(errs...))
}

func (f *Fetcher) fetchOCSP(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, serverURL := range cert.OCSPServer {
		key := "ocsp:" + serverURL + ":" + cert.SerialNumber.Text(16)
		if f.Cache != nil {
			if data, ok := f.Cache.Get(key); ok {
				return data, nil
			}
		}

		body, err := f.do(ctx, http.MethodPost, serverURL, "application/ocsp-request", req)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := ocsp.ParseResponse(body, issuer); err != nil {
			lastErr = fmt.Errorf("failed to parse OCSP response from %s: %w", serverURL, err)
			continue
		}

		if f.Cache != nil {
			f.Cache.Put(key, body)
		}
		return body, nil
	}
	return nil, lastErr
}

func (f *Fetcher) fetchCRL(ctx context.Context, cert *x509.Certificate) ([]byte, error) {
	var lastErr error
	for _, crlURL := range cert.CRLDistributionPoints {
		key := "crl:" + crlURL
		if f.Cache != nil {
			if data, ok := f.Cache.Get(key); ok {
				return data, nil
			}
		}

		body, err := f.do(ctx, http.MethodGet, crlURL, "", nil)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := x509.ParseRevocationList(body); err != nil {
			lastErr = fmt.Errorf("failed to parse CRL from %s: %w", crlURL, err)
			continue
		}

		if f.Cache != nil {
			f.Cache.Put(key, body)
		}
		return body, nil
	}
	return nil, lastErr
}

func (f *Fetcher) do(ctx context.Context, method, url, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request (%s): %w", url, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to contact %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	return data, nil
}
