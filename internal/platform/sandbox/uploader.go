package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/ehr/fhir-harness/internal/platform/fhir"
	"github.com/ehr/fhir-harness/internal/platform/fhirclient"
)

// Upload strategies.
const (
	StrategyPerFile = "per-file"
	StrategyMerged  = "merged"
)

// ExemptTypes are conformance and terminology resources that are never
// folded into a merged transaction. They are PUT individually first.
var ExemptTypes = map[string]bool{
	"CapabilityStatement": true,
	"CodeSystem":          true,
	"ConceptMap":          true,
	"ImplementationGuide": true,
	"OperationDefinition": true,
	"SearchParameter":     true,
	"StructureDefinition": true,
	"ValueSet":            true,
}

// Uploader loads fixtures onto a FHIR server.
type Uploader struct {
	client *fhirclient.Client
	logger zerolog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(client *fhirclient.Client, logger zerolog.Logger) *Uploader {
	return &Uploader{
		client: client,
		logger: logger.With().Str("component", "upload").Logger(),
	}
}

// UploadDir loads every fixture in dir and uploads them with strategy.
func (u *Uploader) UploadDir(ctx context.Context, dir, strategy string) (*Report, error) {
	fixtures, err := LoadFixtures(dir)
	if err != nil {
		return nil, err
	}
	u.logger.Info().Int("count", len(fixtures)).Str("dir", dir).Str("strategy", strategy).Msg("resources to upload")

	switch strategy {
	case StrategyPerFile:
		return u.UploadPerFile(ctx, fixtures)
	case StrategyMerged:
		return u.UploadMerged(ctx, fixtures)
	default:
		return nil, fmt.Errorf("unknown upload strategy %q", strategy)
	}
}

// UploadPerFile uploads each fixture on its own. Transactions whose patient
// already exists on the server are skipped.
func (u *Uploader) UploadPerFile(ctx context.Context, fixtures []*Fixture) (*Report, error) {
	report := &Report{}
	u.reconcile(ctx, fixtures, u.uploadFixture, report)
	return report, report.Err()
}

func (u *Uploader) uploadFixture(ctx context.Context, f *Fixture) (bool, error) {
	if !f.IsTransaction() {
		return false, u.put(ctx, f)
	}

	if identifier, ok := f.Bundle.PatientIdentifier(); ok {
		if u.patientExists(ctx, identifier) {
			u.logger.Info().Str("identifier", identifier).Str("file", f.Path).Msg("patient already exists, skipping")
			return true, nil
		}
	}
	return false, u.transaction(ctx, f.Raw)
}

// UploadMerged PUTs the exempt resources with retry, then folds everything
// else into one transaction that is executed once.
func (u *Uploader) UploadMerged(ctx context.Context, fixtures []*Fixture) (*Report, error) {
	var (
		exempt  []*Fixture
		entries []fhir.BundleEntry
		merged  []string
	)
	for _, f := range fixtures {
		switch {
		case f.IsTransaction():
			entries = append(entries, f.Bundle.Entry...)
			merged = append(merged, f.Path)
		case ExemptTypes[f.Header.ResourceType]:
			exempt = append(exempt, f)
		default:
			entries = append(entries, fhir.PostEntry(f.Raw, f.Header.ResourceType, "urn:uuid:"+uuid.New().String()))
			merged = append(merged, f.Path)
		}
	}

	report := &Report{}
	u.reconcile(ctx, exempt, func(ctx context.Context, f *Fixture) (bool, error) {
		return false, u.put(ctx, f)
	}, report)

	if len(entries) == 0 {
		return report, report.Err()
	}

	report.Combined = len(entries)
	body, err := json.Marshal(fhir.NewTransactionBundle(nil, entries))
	if err != nil {
		return report, fmt.Errorf("marshaling merged transaction: %w", err)
	}
	if err := u.transaction(ctx, body); err != nil {
		return report, multierr.Append(report.Err(), fmt.Errorf("merged transaction of %d entries: %w", len(entries), err))
	}
	report.Uploaded = append(report.Uploaded, merged...)
	u.logger.Info().Int("entries", len(entries)).Int("files", len(merged)).Msg("merged transaction executed")

	return report, report.Err()
}

// put upserts a resource at its own Type/id.
func (u *Uploader) put(ctx context.Context, f *Fixture) error {
	path := f.Header.Path()
	resp, err := u.client.Put(ctx, path, f.Raw)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return &fhirclient.StatusError{Op: "PUT", URL: u.client.URL(path, nil), Response: resp}
	}
	return nil
}

// transaction posts a transaction Bundle to the server base.
func (u *Uploader) transaction(ctx context.Context, body []byte) error {
	resp, err := u.client.Post(ctx, "", body)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return &fhirclient.StatusError{Op: "transaction", URL: u.client.BaseURL(), Response: resp}
	}
	return nil
}

// patientExists searches Patient by business identifier. A failed search
// counts as not found so the transaction is attempted.
func (u *Uploader) patientExists(ctx context.Context, identifier string) bool {
	resp, err := u.client.Search(ctx, "Patient", url.Values{"identifier": {identifier}})
	if err != nil {
		u.logger.Warn().Err(err).Str("identifier", identifier).Msg("patient search failed")
		return false
	}
	if !resp.Success() {
		u.logger.Warn().Int("status", resp.StatusCode).Str("identifier", identifier).Msg("patient search failed")
		return false
	}
	b, err := fhir.ParseBundle(resp.Body)
	if err != nil {
		return false
	}
	return len(b.Entry) > 0
}
