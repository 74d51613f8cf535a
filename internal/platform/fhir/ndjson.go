package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeNDJSON serialises each resource as one compact JSON line. Lines are
// joined with '\n' and there is no trailing newline.
func EncodeNDJSON(resources []json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	for i, r := range resources {
		if i > 0 {
			buf.WriteByte('\n')
		}
		if err := json.Compact(&buf, r); err != nil {
			return nil, fmt.Errorf("resource %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
