// Package container implements a signed document package: a zip archive
// holding a YAML manifest, content parts grouped in documents, and detached
// PKCS#7 signatures over a digest manifest of those parts.
package container

import (
	"archive/zip"
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/digitorus/pkgsign/revocation"
	"github.com/digitorus/pkgsign/signature"
	"github.com/google/uuid"
	"github.com/mattetti/filebuffer"
	"go.uber.org/zap"
)

// TSA describes an RFC 3161 time stamping authority.
type TSA struct {
	URL      string
	Username string
	Password string
}

type options struct {
	digest  crypto.Hash
	tsa     TSA
	fetcher *revocation.Fetcher
	logger  *zap.Logger
}

// Option configures a Package.
type Option func(*options)

// WithDigest sets the digest algorithm of new signatures. SHA-256 is used by
// default.
func WithDigest(h crypto.Hash) Option {
	return func(o *options) {
		o.digest = h
	}
}

// WithTSA adds an RFC 3161 timestamp token to new signatures.
func WithTSA(tsa TSA) Option {
	return func(o *options) {
		o.tsa = tsa
	}
}

// WithRevocation embeds OCSP responses and CRLs of the signer certificate
// in new signatures.
func WithRevocation(f *revocation.Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Package is an open document package. It is not safe for concurrent use.
type Package struct {
	path     string
	manifest *manifest
	parts    map[string][]byte
	sigs     []*Signature

	// broken holds signature entries that could not be parsed, and reserved
	// holds unexpected entries under the signature prefix. Both are written
	// back unchanged.
	broken   map[string][]byte
	problems map[string]error
	reserved map[string][]byte

	propertiesChanged bool

	opts   options
	logger *zap.Logger
}

func newPackage(opts []Option) *Package {
	p := &Package{
		manifest: newManifest(),
		parts:    make(map[string][]byte),
		broken:   make(map[string][]byte),
		problems: make(map[string]error),
		reserved: make(map[string][]byte),
		opts:     options{digest: crypto.SHA256},
	}
	for _, opt := range opts {
		opt(&p.opts)
	}
	logger := p.opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p.logger = logger.With(zap.String("component", "container"))
	return p
}

// New returns an empty package that will be saved to path.
func New(path string, opts ...Option) *Package {
	p := newPackage(opts)
	p.path = path
	return p
}

// Open reads the package stored at path.
func Open(path string, opts ...Option) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package: %w", err)
	}
	p, err := Read(filebuffer.New(data), int64(len(data)), opts...)
	if err != nil {
		return nil, err
	}
	p.path = path
	return p, nil
}

// Read parses a package from r. The returned package has no path and cannot
// be saved until SaveAs is used.
func Read(r io.ReaderAt, size int64, opts ...Option) (*Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, &StructureError{Msg: "not a zip archive", Err: err}
	}

	p := newPackage(opts)
	var foundManifest bool
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, &StructureError{Part: f.Name, Msg: "unreadable entry", Err: err}
		}

		switch {
		case f.Name == ManifestName:
			m, err := decodeManifest(data)
			if err != nil {
				return nil, err
			}
			p.manifest = m
			foundManifest = true
		case strings.HasPrefix(f.Name, signaturePrefix) && strings.HasSuffix(f.Name, signatureExt):
			sig, err := parseSignature(data)
			if err != nil {
				p.broken[f.Name] = data
				p.problems[f.Name] = err
				continue
			}
			p.sigs = append(p.sigs, sig)
		case strings.HasPrefix(f.Name, signaturePrefix):
			p.reserved[f.Name] = data
		default:
			p.parts[f.Name] = data
		}
	}
	if !foundManifest {
		return nil, &StructureError{Part: ManifestName, Msg: "missing manifest"}
	}

	p.logger.Debug("package read",
		zap.Int("documents", len(p.manifest.Documents)),
		zap.Int("parts", len(p.parts)),
		zap.Int("signatures", len(p.sigs)))
	return p, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	return io.ReadAll(rc)
}

// Path returns the file the package is saved to.
func (p *Package) Path() string {
	return p.path
}

// AddPart stores data as part name of document, creating the document when
// needed. An existing part is replaced.
func (p *Package) AddPart(document, name string, data []byte) error {
	if name == "" || strings.HasSuffix(name, "/") {
		return fmt.Errorf("invalid part name %q", name)
	}
	if isReserved(name) {
		return fmt.Errorf("part name %q is reserved", name)
	}

	i := p.manifest.document(document)
	if i < 0 {
		p.manifest.Documents = append(p.manifest.Documents, Document{Name: document})
		i = len(p.manifest.Documents) - 1
	}
	if !slices.Contains(p.manifest.Documents[i].Parts, name) {
		p.manifest.Documents[i].Parts = append(p.manifest.Documents[i].Parts, name)
	}
	p.parts[name] = bytes.Clone(data)
	return nil
}

// Part returns the content of part name.
func (p *Package) Part(name string) ([]byte, bool) {
	data, ok := p.parts[name]
	return data, ok
}

// Documents returns the documents of the package.
func (p *Package) Documents() []Document {
	docs := make([]Document, len(p.manifest.Documents))
	for i, doc := range p.manifest.Documents {
		docs[i] = Document{
			Name:        doc.Name,
			Parts:       slices.Clone(doc.Parts),
			Definitions: slices.Clone(doc.Definitions),
		}
	}
	return docs
}

// DocumentCount returns the number of documents.
func (p *Package) DocumentCount() int {
	return len(p.manifest.Documents)
}

// Properties returns the core properties.
func (p *Package) Properties() Properties {
	return p.manifest.Properties.normalize()
}

// SetProperties replaces the core properties.
func (p *Package) SetProperties(props Properties) {
	props = props.normalize()
	before, _ := digestProperties(p.manifest.Properties)
	after, _ := digestProperties(props)
	if !bytes.Equal(before, after) {
		p.propertiesChanged = true
	}
	p.manifest.Properties = props
}

// PropertiesChanged reports whether SetProperties changed the properties
// since the package was opened.
func (p *Package) PropertiesChanged() bool {
	return p.propertiesChanged
}

// Definitions returns the signature requests of every document.
func (p *Package) Definitions() []signature.Definition {
	var defs []signature.Definition
	for i, doc := range p.manifest.Documents {
		for _, def := range doc.Definitions {
			def.Document = i
			defs = append(defs, def)
		}
	}
	return defs
}

// AddDefinition adds a signature request to document def.Document.
func (p *Package) AddDefinition(def signature.Definition) error {
	if def.Document < 0 || def.Document >= len(p.manifest.Documents) {
		return fmt.Errorf("document %d does not exist", def.Document)
	}
	if def.SpotID != uuid.Nil && p.HasDefinition(def.SpotID) {
		return fmt.Errorf("signature definition %s already exists", def.SpotID)
	}
	doc := &p.manifest.Documents[def.Document]
	doc.Definitions = append(doc.Definitions, def)
	return nil
}

// RemoveDefinition removes the signature request with id.
func (p *Package) RemoveDefinition(id uuid.UUID) error {
	for i := range p.manifest.Documents {
		doc := &p.manifest.Documents[i]
		for j, def := range doc.Definitions {
			if def.SpotID == id {
				doc.Definitions = slices.Delete(doc.Definitions, j, j+1)
				return nil
			}
		}
	}
	return fmt.Errorf("signature definition %s: %w", id, signature.ErrNotFound)
}

// HasDefinition reports whether a signature request with id exists.
func (p *Package) HasDefinition(id uuid.UUID) bool {
	for _, def := range p.Definitions() {
		if def.SpotID == id {
			return true
		}
	}
	return false
}

// CanSave reports whether Save has a destination.
func (p *Package) CanSave() bool {
	return p.path != ""
}

// Save writes the package back to its file.
func (p *Package) Save() error {
	if !p.CanSave() {
		return errors.New("package has no file to save to")
	}
	return p.writeFile(p.path)
}

// SaveAs writes the package to path, which becomes the target of later
// saves.
func (p *Package) SaveAs(path string) error {
	if err := p.writeFile(path); err != nil {
		return err
	}
	p.path = path
	return nil
}

// WriteTo writes the archive to w.
func (p *Package) WriteTo(w io.Writer) (int64, error) {
	data, err := p.archive()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (p *Package) writeFile(path string) error {
	data, err := p.archive()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write package: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	p.logger.Info("package saved", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

// archive assembles the zip file in memory.
func (p *Package) archive() ([]byte, error) {
	manifest, err := p.manifest.encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	buf := filebuffer.New(nil)
	zw := zip.NewWriter(buf)

	write := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	if err := write(ManifestName, manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	for _, name := range sortedKeys(p.parts) {
		if err := write(name, p.parts[name]); err != nil {
			return nil, fmt.Errorf("failed to write part %s: %w", name, err)
		}
	}
	for _, sig := range p.sigs {
		if err := write(signaturePartName(sig.id), sig.raw); err != nil {
			return nil, fmt.Errorf("failed to write signature %s: %w", sig.id, err)
		}
	}
	for _, extra := range []map[string][]byte{p.broken, p.reserved} {
		for _, name := range sortedKeys(extra) {
			if err := write(name, extra[name]); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", name, err)
			}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Buff.Bytes(), nil
}

func signaturePartName(id uuid.UUID) string {
	return signaturePrefix + id.String() + signatureExt
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
