// Package bulkexport drives a Group-level bulk data export on a FHIR server
// and materializes the result as a replayable transaction Bundle of Binary
// resources.
package bulkexport

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
)

// JobResult is the completion body returned by the poll status endpoint.
type JobResult struct {
	TransactionTime     string       `json:"transactionTime"`
	Request             string       `json:"request"`
	RequiresAccessToken bool         `json:"requiresAccessToken"`
	Output              []OutputFile `json:"output"`
	Error               []OutputFile `json:"error,omitempty"`
}

// OutputFile is one entry of a job's output or error list.
type OutputFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

func parseJobResult(body []byte) (*JobResult, error) {
	var r JobResult
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("parsing export job result: %w", err)
	}
	return &r, nil
}

// jobIDFromPollURL returns the _jobId query parameter of a HAPI poll URL.
func jobIDFromPollURL(pollURL string) string {
	u, err := url.Parse(pollURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("_jobId")
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// binaryIDLength matches the length of the ids HAPI gives export Binaries.
const binaryIDLength = 32

// randomBinaryID returns a uniformly random alphanumeric id. Collisions are
// not checked.
func randomBinaryID() (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, binaryIDLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating binary id: %w", err)
		}
		b[i] = alphanumeric[n.Int64()]
	}
	return string(b), nil
}
