package container

import (
	"errors"
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CheckSignable scans the package structure. A package can only be signed
// when every listed part exists, no two part names collide after case
// folding and Unicode normalization, nothing but signatures lives under the
// signature prefix, and every stored signature can be parsed.
func (p *Package) CheckSignable() error {
	var errs []error
	if len(p.manifest.Documents) == 0 {
		errs = append(errs, &StructureError{Part: ManifestName, Msg: "no documents"})
	}

	fold := cases.Fold()
	seen := make(map[string]string)
	for _, doc := range p.manifest.Documents {
		if len(doc.Parts) == 0 {
			errs = append(errs, &StructureError{Part: ManifestName, Msg: fmt.Sprintf("document %q has no parts", doc.Name)})
		}
		for _, name := range doc.Parts {
			if isReserved(name) {
				errs = append(errs, &StructureError{Part: name, Msg: "part uses a reserved name"})
			}
			if _, ok := p.parts[name]; !ok {
				errs = append(errs, &StructureError{Part: name, Msg: "listed part is missing"})
			}

			key := norm.NFC.String(fold.String(name))
			switch other, ok := seen[key]; {
			case ok && other == name:
				errs = append(errs, &StructureError{Part: name, Msg: "part is listed more than once"})
			case ok:
				errs = append(errs, &StructureError{Part: name, Msg: fmt.Sprintf("part name collides with %q", other)})
			default:
				seen[key] = name
			}
		}
	}

	for _, name := range sortedKeys(p.broken) {
		errs = append(errs, &StructureError{Part: name, Msg: "unreadable signature", Err: p.problems[name]})
	}
	for _, name := range sortedKeys(p.reserved) {
		errs = append(errs, &StructureError{Part: name, Msg: "unexpected entry under signature prefix"})
	}
	return errors.Join(errs...)
}
