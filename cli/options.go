package cli

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/digitorus/pkgsign"
	"github.com/digitorus/pkgsign/certstatus"
	"github.com/digitorus/pkgsign/container"
	"github.com/digitorus/pkgsign/revocation"
	"go.uber.org/zap"
)

// sessionOptions turns the configuration into session options. The returned
// function releases the revocation cache.
func (o *rootOptions) sessionOptions(ctx context.Context) ([]pkgsign.Option, func(), error) {
	v := o.config.Verification

	var cache revocation.Cache = revocation.NewMemoryCache()
	release := func() {}
	if v.CacheSizeMB > 0 {
		bc, err := revocation.NewBigCache(ctx, v.CacheLifetime, v.CacheSizeMB)
		if err != nil {
			return nil, nil, err
		}
		cache = bc
		release = func() {
			if err := bc.Close(); err != nil {
				o.logger.Warn("failed to close revocation cache", zap.Error(err))
			}
		}
	}
	fetcher := &revocation.Fetcher{Timeout: v.Timeout, Cache: cache}

	checkerOpts := certstatus.Options{
		AllowUntrustedRoots: v.AllowUntrustedRoots,
		Timeout:             v.Timeout,
		Concurrency:         v.Concurrency,
		Logger:              o.logger,
	}
	if v.RootsFile != "" {
		roots, err := LoadRoots(v.RootsFile)
		if err != nil {
			release()
			return nil, nil, err
		}
		checkerOpts.Roots = roots
	}
	if v.ExternalRevocation {
		checkerOpts.Fetcher = fetcher
	}

	s := o.config.Signing
	pkgOpts := []container.Option{container.WithDigest(s.DigestHash())}
	if s.TSA.URL != "" {
		pkgOpts = append(pkgOpts, container.WithTSA(container.TSA{
			URL:      s.TSA.URL,
			Username: s.TSA.Username,
			Password: s.TSA.Password,
		}))
	}
	if s.EmbedRevocation {
		pkgOpts = append(pkgOpts, container.WithRevocation(fetcher))
	}

	return []pkgsign.Option{
		pkgsign.WithLogger(o.logger),
		pkgsign.WithChecker(certstatus.NewChecker(checkerOpts)),
		pkgsign.WithPackageOptions(pkgOpts...),
	}, release, nil
}

// open opens path as a PDF when it has a .pdf extension and as a document
// package otherwise.
func (o *rootOptions) open(ctx context.Context, path string) (*pkgsign.Session, func(), error) {
	opts, release, err := o.sessionOptions(ctx)
	if err != nil {
		return nil, nil, err
	}

	open := pkgsign.Open
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		open = pkgsign.OpenPDF
	}
	s, err := open(path, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return s, release, nil
}
