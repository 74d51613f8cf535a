package fhir

import (
	"encoding/json"
)

// PutEntry builds a transaction entry that upserts resource at path.
func PutEntry(resource json.RawMessage, path string) BundleEntry {
	return BundleEntry{
		Resource: resource,
		Request:  &BundleRequest{Method: "PUT", URL: path},
	}
}

// PostEntry builds a transaction entry that creates resource under its type,
// addressed inside the transaction by fullURL.
func PostEntry(resource json.RawMessage, resourceType, fullURL string) BundleEntry {
	return BundleEntry{
		FullURL:  fullURL,
		Resource: resource,
		Request:  &BundleRequest{Method: "POST", URL: resourceType},
	}
}

// PatientIdentifier returns "system|value" for the first identifier of the
// first Patient entry in the bundle.
func (b *Bundle) PatientIdentifier() (string, bool) {
	for _, e := range b.Entry {
		var patient struct {
			ResourceType string       `json:"resourceType"`
			Identifier   []Identifier `json:"identifier"`
		}
		if err := json.Unmarshal(e.Resource, &patient); err != nil {
			continue
		}
		if patient.ResourceType != "Patient" {
			continue
		}
		if len(patient.Identifier) == 0 {
			return "", false
		}
		id := patient.Identifier[0]
		return id.System + "|" + id.Value, true
	}
	return "", false
}
