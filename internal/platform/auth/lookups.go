package auth

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ehr/fhir-harness/internal/platform/fhir"
	"github.com/ehr/fhir-harness/internal/platform/fhirclient"
)

// FHIRLookups answers the authorization flow's questions about the server
// by searching it.
type FHIRLookups struct {
	client *fhirclient.Client
}

// NewFHIRLookups creates lookups backed by client.
func NewFHIRLookups(client *fhirclient.Client) *FHIRLookups {
	return &FHIRLookups{client: client}
}

// LaunchContextOptions returns every patient with the ids of its encounters.
func (l *FHIRLookups) LaunchContextOptions(ctx context.Context) (LaunchContextOptions, error) {
	patients, err := l.client.SearchAll(ctx, "Patient", nil)
	if err != nil {
		return nil, err
	}

	options := make(LaunchContextOptions, len(patients))
	for _, p := range patients {
		h, err := fhir.ParseResourceHeader(p)
		if err != nil || h.ID == "" {
			continue
		}
		encounters, err := l.client.SearchAll(ctx, "Encounter", url.Values{"patient": {h.ID}})
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(encounters))
		for _, e := range encounters {
			if eh, err := fhir.ParseResourceHeader(e); err == nil && eh.ID != "" {
				ids = append(ids, eh.ID)
			}
		}
		options[h.ID] = ids
	}
	return options, nil
}

// Patients returns a searchset Bundle of every patient on the server.
func (l *FHIRLookups) Patients(ctx context.Context) (*fhir.Bundle, error) {
	patients, err := l.client.SearchAll(ctx, "Patient", nil)
	if err != nil {
		return nil, err
	}

	total := len(patients)
	b := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         fhir.BundleTypeSearchset,
		Total:        &total,
		Entry:        make([]fhir.BundleEntry, 0, total),
	}
	for _, p := range patients {
		entry := fhir.BundleEntry{Resource: p}
		if h, err := fhir.ParseResourceHeader(p); err == nil && h.ID != "" {
			entry.FullURL = l.client.URL(h.Path(), nil)
		}
		b.Entry = append(b.Entry, entry)
	}
	return b, nil
}

// FirstEncounter returns the id of the first encounter of patientID, or ""
// when there is none.
func (l *FHIRLookups) FirstEncounter(ctx context.Context, patientID string) (string, error) {
	resp, err := l.client.Search(ctx, "Encounter", url.Values{"patient": {patientID}})
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", &fhirclient.StatusError{Op: "encounter search", URL: l.client.URL("Encounter", nil), Response: resp}
	}
	bundle, err := fhir.ParseBundle(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parsing encounter search: %w", err)
	}
	for _, r := range bundle.Resources() {
		if h, err := fhir.ParseResourceHeader(r); err == nil && h.ResourceType == "Encounter" {
			return h.ID, nil
		}
	}
	return "", nil
}
