package container

import (
	"fmt"
	"strings"
	"time"

	"github.com/digitorus/pkgsign/signature"
	"gopkg.in/yaml.v3"
)

const (
	// ManifestName is the archive entry describing the package.
	ManifestName = "package.yaml"

	signaturePrefix = "_signatures/"
	signatureExt    = ".p7s"
	manifestVersion = 1
)

// Properties are the core properties of a package.
type Properties struct {
	Title       string    `yaml:"title,omitempty"`
	Subject     string    `yaml:"subject,omitempty"`
	Creator     string    `yaml:"creator,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Keywords    []string  `yaml:"keywords,omitempty"`
	Created     time.Time `yaml:"created,omitempty"`
	Modified    time.Time `yaml:"modified,omitempty"`
}

func (p Properties) normalize() Properties {
	p.Created = p.Created.UTC().Truncate(time.Second)
	p.Modified = p.Modified.UTC().Truncate(time.Second)
	p.Keywords = append([]string(nil), p.Keywords...)
	return p
}

// Document is one document of a package and the parts it is made of.
type Document struct {
	Name        string                 `yaml:"name"`
	Parts       []string               `yaml:"parts"`
	Definitions []signature.Definition `yaml:"signature-definitions,omitempty"`
}

type manifest struct {
	Version    int        `yaml:"version"`
	Properties Properties `yaml:"properties"`
	Documents  []Document `yaml:"documents"`
}

func newManifest() *manifest {
	return &manifest{Version: manifestVersion}
}

func decodeManifest(data []byte) (*manifest, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &StructureError{Part: ManifestName, Msg: "malformed manifest", Err: err}
	}
	if m.Version != manifestVersion {
		return nil, &StructureError{Part: ManifestName, Msg: fmt.Sprintf("unsupported version %d", m.Version)}
	}
	for i := range m.Documents {
		for j := range m.Documents[i].Definitions {
			m.Documents[i].Definitions[j].Document = i
		}
	}
	return &m, nil
}

func (m *manifest) encode() ([]byte, error) {
	return yaml.Marshal(m)
}

func (m *manifest) document(name string) int {
	for i, doc := range m.Documents {
		if doc.Name == name {
			return i
		}
	}
	return -1
}

func isReserved(name string) bool {
	return name == ManifestName || strings.HasPrefix(name, signaturePrefix)
}
