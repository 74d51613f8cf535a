package bulkexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-harness/internal/platform/fhir"
	"github.com/ehr/fhir-harness/internal/platform/fhirclient"
)

var (
	// ErrMissingContentLocation is returned when the kickoff response has no
	// poll URL.
	ErrMissingContentLocation = errors.New("export kickoff response has no Content-Location header")

	// ErrInvalidRetryAfter is returned when a 202 poll response has a missing
	// or non-integer Retry-After header.
	ErrInvalidRetryAfter = errors.New("invalid Retry-After header")

	// ErrPollTimeout is returned when polling exceeds the configured attempt
	// or cumulative wait bound.
	ErrPollTimeout = errors.New("export poll timed out")
)

// FixtureSource is recorded as meta.source on every fixture bundle.
const FixtureSource = "https://github.com/inferno-framework/inferno-reference-server"

// SynthesizedResourceType is the type HAPI leaves out of Group export output
// and which the fixture adds from a plain search.
const SynthesizedResourceType = "Location"

// Options configures an Orchestrator.
type Options struct {
	GroupID    string
	OutputPath string

	// MaxPollAttempts bounds the number of status requests. Zero means
	// unbounded.
	MaxPollAttempts int

	// MaxPollWait bounds the total Retry-After time slept. Zero means
	// unbounded.
	MaxPollWait time.Duration

	Logger zerolog.Logger
}

// Orchestrator runs one export end to end. All requests are sequential.
type Orchestrator struct {
	client *fhirclient.Client
	opts   Options
	logger zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	newID func() (string, error)
}

// New creates an Orchestrator.
func New(client *fhirclient.Client, opts Options) *Orchestrator {
	return &Orchestrator{
		client: client,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "bulkexport").Logger(),
		sleep:  sleepContext,
		newID:  randomBinaryID,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run performs the export and writes the fixture bundle to OutputPath. It
// returns the path written.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	pollURL, err := o.Kickoff(ctx)
	if err != nil {
		return "", err
	}

	job, err := o.Poll(ctx, pollURL)
	if err != nil {
		return "", err
	}

	binaries, err := o.FetchOutputs(ctx, job)
	if err != nil {
		return "", err
	}

	jobID := exportJobID(binaries, pollURL)
	location, err := o.SynthesizeBinary(ctx, SynthesizedResourceType, jobID, job.TransactionTime)
	if err != nil {
		return "", err
	}
	binaries = append(binaries, location)

	bundle, err := BuildFixture(o.opts.GroupID, binaries)
	if err != nil {
		return "", err
	}
	if err := WriteFixture(o.opts.OutputPath, bundle); err != nil {
		return "", err
	}

	o.logger.Info().
		Str("path", o.opts.OutputPath).
		Int("binaries", len(binaries)).
		Msg("wrote bulk export fixture")
	return o.opts.OutputPath, nil
}

// Kickoff starts a Group export and returns the poll URL.
func (o *Orchestrator) Kickoff(ctx context.Context) (string, error) {
	target := "Group/" + o.opts.GroupID + "/$export"
	header := http.Header{
		"Prefer":                 {"respond-async"},
		"X-Override-Interceptor": {"true"},
	}

	resp, err := o.client.Get(ctx, target, header)
	if err != nil {
		return "", fmt.Errorf("export kickoff: %w", err)
	}
	if !resp.Success() {
		o.logger.Error().Int("status", resp.StatusCode).Bytes("body", resp.Body).Msg("export kickoff failed")
		return "", &fhirclient.StatusError{Op: "export kickoff", URL: o.client.URL(target, nil), Response: resp}
	}

	pollURL := resp.Header.Get("Content-Location")
	if pollURL == "" {
		return "", ErrMissingContentLocation
	}
	o.logger.Info().Str("poll_url", pollURL).Msg("export started")
	return pollURL, nil
}

// Poll checks the job status until the server reports completion.
func (o *Orchestrator) Poll(ctx context.Context, pollURL string) (*JobResult, error) {
	var (
		attempts int
		waited   time.Duration
	)

	for {
		resp, err := o.client.Get(ctx, pollURL, nil)
		if err != nil {
			return nil, fmt.Errorf("export poll: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return parseJobResult(resp.Body)

		case http.StatusAccepted:
			attempts++
			retryAfter, err := parseRetryAfter(resp.Header.Get("Retry-After"))
			if err != nil {
				return nil, err
			}

			if o.opts.MaxPollAttempts > 0 && attempts >= o.opts.MaxPollAttempts {
				return nil, fmt.Errorf("%w after %d attempts", ErrPollTimeout, attempts)
			}
			if o.opts.MaxPollWait > 0 && waited+retryAfter > o.opts.MaxPollWait {
				return nil, fmt.Errorf("%w after waiting %s", ErrPollTimeout, waited)
			}

			o.logger.Info().
				Dur("retry_after", retryAfter).
				Int("attempt", attempts).
				Str("progress", resp.Header.Get("X-Progress")).
				Msg("export in progress")

			if err := o.sleep(ctx, retryAfter); err != nil {
				return nil, err
			}
			waited += retryAfter

		default:
			o.logger.Error().Int("status", resp.StatusCode).Bytes("body", resp.Body).Msg("export poll failed")
			return nil, &fhirclient.StatusError{Op: "export poll", URL: pollURL, Response: resp}
		}
	}
}

func parseRetryAfter(v string) (time.Duration, error) {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRetryAfter, v)
	}
	return time.Duration(secs) * time.Second, nil
}

// FetchOutputs downloads every output file of job as a Binary resource, in
// the order the server listed them.
func (o *Orchestrator) FetchOutputs(ctx context.Context, job *JobResult) ([]*fhir.Binary, error) {
	header := http.Header{"Accept": {fhirclient.ContentTypeFHIRJSON}}

	binaries := make([]*fhir.Binary, 0, len(job.Output)+1)
	for _, out := range job.Output {
		resp, err := o.client.Get(ctx, out.URL, header)
		if err != nil {
			return nil, fmt.Errorf("fetching %s output: %w", out.Type, err)
		}
		if !resp.Success() {
			return nil, &fhirclient.StatusError{Op: "fetch " + out.Type + " output", URL: out.URL, Response: resp}
		}

		b, err := fhir.ParseBinary(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("parsing %s output %s: %w", out.Type, out.URL, err)
		}
		o.logger.Debug().Str("type", out.Type).Str("binary_id", b.ID).Msg("fetched export output")
		binaries = append(binaries, b)
	}
	return binaries, nil
}

// SynthesizeBinary searches every resource of resourceType and packs them
// into a Binary tagged like a server-produced export file.
func (o *Orchestrator) SynthesizeBinary(ctx context.Context, resourceType, jobID, lastUpdated string) (*fhir.Binary, error) {
	resources, err := o.client.SearchAll(ctx, resourceType, nil)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", resourceType, err)
	}

	payload, err := fhir.EncodeNDJSON(resources)
	if err != nil {
		return nil, err
	}

	id, err := o.newID()
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("type", resourceType).
		Int("resources", len(resources)).
		Str("binary_id", id).
		Msg("synthesized export output")
	return fhir.NewNDJSONBinary(id, jobID, resourceType, lastUpdated, payload), nil
}

// exportJobID picks the job id for synthesized output: the one the server
// stamped on its own Binaries, else the poll URL's _jobId, else a new UUID.
func exportJobID(binaries []*fhir.Binary, pollURL string) string {
	for _, b := range binaries {
		if id := b.ExtensionValue(fhir.BulkExportJobIDExtension); id != "" {
			return id
		}
	}
	if id := jobIDFromPollURL(pollURL); id != "" {
		return id
	}
	return uuid.New().String()
}

// BuildFixture wraps binaries in a transaction Bundle whose entries PUT each
// Binary at its own id, so replaying the fixture overwrites rather than
// duplicates. Server Binaries are embedded exactly as the server sent them.
func BuildFixture(groupID string, binaries []*fhir.Binary) (*fhir.Bundle, error) {
	entries := make([]fhir.BundleEntry, 0, len(binaries))
	for _, b := range binaries {
		raw, err := b.JSON()
		if err != nil {
			return nil, err
		}
		entries = append(entries, fhir.PutEntry(raw, "Binary/"+b.ID))
	}

	meta := &fhir.Meta{
		Source: FixtureSource,
		Tag:    []fhir.Coding{{System: "group-id", Code: groupID}},
	}
	return fhir.NewTransactionBundle(meta, entries), nil
}

// WriteFixture writes bundle as 2-space indented JSON, creating the parent
// directory if needed.
func WriteFixture(path string, bundle *fhir.Bundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling fixture bundle: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating fixture directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing fixture %s: %w", path, err)
	}
	return nil
}
