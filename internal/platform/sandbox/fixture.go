// Package sandbox loads seed fixtures onto a FHIR server. Uploads are
// idempotent: plain resources are PUT at their own id and patient
// transactions are skipped when the patient already exists, so a partial
// run can simply be repeated.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ehr/fhir-harness/internal/platform/fhir"
)

// Fixture is one seed file.
type Fixture struct {
	Path   string
	Raw    json.RawMessage
	Header fhir.ResourceHeader

	// Bundle is set when the file is a transaction Bundle.
	Bundle *fhir.Bundle
}

// IsTransaction reports whether the fixture is executed as a transaction.
func (f *Fixture) IsTransaction() bool {
	return f.Bundle != nil
}

// ParseFixture parses raw as a seed resource. Non-transaction resources
// must carry an id since they are uploaded with PUT.
func ParseFixture(path string, raw []byte) (*Fixture, error) {
	h, err := fhir.ParseResourceHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	f := &Fixture{Path: path, Raw: raw, Header: h}
	if h.ResourceType == "Bundle" {
		b, err := fhir.ParseBundle(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if b.IsTransaction() {
			f.Bundle = b
			return f, nil
		}
	}

	if h.ID == "" {
		return nil, fmt.Errorf("%s: %s has no id", path, h.ResourceType)
	}
	return f, nil
}

// LoadFixtures reads every *.json file in dir in lexical order. Any file
// that does not parse fails the whole load.
func LoadFixtures(dir string) ([]*Fixture, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing fixtures in %s: %w", dir, err)
	}
	sort.Strings(paths)

	fixtures := make([]*Fixture, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading fixture: %w", err)
		}
		f, err := ParseFixture(p, raw)
		if err != nil {
			return nil, err
		}
		fixtures = append(fixtures, f)
	}
	return fixtures, nil
}
