package fhir

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Extension URLs HAPI stamps on Binaries produced by a bulk export.
const (
	BulkExportJobIDExtension        = "https://hapifhir.org/NamingSystem/bulk-export-job-id"
	BulkExportResourceTypeExtension = "https://hapifhir.org/NamingSystem/bulk-export-binary-resource-type"
)

// NDJSONContentType is the content type of bulk export output files.
const NDJSONContentType = "application/fhir+ndjson"

// Binary is the wire representation of a FHIR R4 Binary resource. Data is
// base64-encoded as FHIR requires.
type Binary struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
	ContentType  string `json:"contentType"`
	Data         string `json:"data,omitempty"`

	// raw is the body the Binary was parsed from. Fields the struct does
	// not model (securityContext, meta.security, ...) survive only here.
	raw json.RawMessage
}

// ParseBinary decodes body and checks that it is a Binary with an id. The
// body is retained verbatim for JSON.
func ParseBinary(body []byte) (*Binary, error) {
	var b Binary
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if b.ResourceType != "Binary" {
		return nil, fmt.Errorf("expected resourceType Binary, got %q", b.ResourceType)
	}
	if b.ID == "" {
		return nil, fmt.Errorf("Binary has no id")
	}
	b.raw = append(json.RawMessage(nil), body...)
	return &b, nil
}

// JSON returns the server's own representation for a parsed Binary, and the
// marshaled struct for one built locally.
func (b *Binary) JSON() (json.RawMessage, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshaling Binary/%s: %w", b.ID, err)
	}
	return data, nil
}

// NewNDJSONBinary builds a Binary tagged the way HAPI tags bulk export
// output. The payload is base64-encoded without line wrapping.
func NewNDJSONBinary(id, jobID, resourceType, lastUpdated string, payload []byte) *Binary {
	return &Binary{
		ResourceType: "Binary",
		ID:           id,
		Meta: &Meta{
			Extension: []Extension{
				{URL: BulkExportJobIDExtension, ValueString: jobID},
				{URL: BulkExportResourceTypeExtension, ValueString: resourceType},
			},
			VersionID:   "1",
			LastUpdated: lastUpdated,
		},
		ContentType: NDJSONContentType,
		Data:        base64.StdEncoding.EncodeToString(payload),
	}
}

// ExtensionValue returns the valueString of the meta extension with the
// given url, or "".
func (b *Binary) ExtensionValue(url string) string {
	if b.Meta == nil {
		return ""
	}
	for _, ext := range b.Meta.Extension {
		if ext.URL == url {
			return ext.ValueString
		}
	}
	return ""
}

// Decode returns the raw payload.
func (b *Binary) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 in Binary.data: %w", err)
	}
	return data, nil
}
