package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/ehr/fhir-harness/internal/platform/fhir"
)

// SearchAll searches resourceType and follows the Bundle's next links until
// the last page. Only resources of resourceType are returned, so included
// resources and OperationOutcome entries are dropped. A non-2xx page is a
// *StatusError. Paging stops at the first next link already visited.
func (c *Client) SearchAll(ctx context.Context, resourceType string, query url.Values) ([]json.RawMessage, error) {
	var out []json.RawMessage
	visited := make(map[string]bool)
	target := c.URL(resourceType, query)
	for target != "" && !visited[target] {
		visited[target] = true

		resp, err := c.Get(ctx, target, nil)
		if err != nil {
			return nil, err
		}
		if !resp.Success() {
			return nil, &StatusError{Op: resourceType + " search", URL: target, Response: resp}
		}

		bundle, err := fhir.ParseBundle(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("parsing %s search page: %w", resourceType, err)
		}
		for _, r := range bundle.Resources() {
			h, err := fhir.ParseResourceHeader(r)
			if err == nil && h.ResourceType == resourceType {
				out = append(out, r)
			}
		}

		target = bundle.NextLink()
	}
	return out, nil
}
