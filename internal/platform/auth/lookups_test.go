package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ehr/fhir-harness/internal/platform/fhirclient"
)

func lookupServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","entry":[
			{"resource":{"resourceType":"Patient","id":"85"}},
			{"resource":{"resourceType":"Patient","id":"355"}}]}`)
	})
	mux.HandleFunc("/Encounter", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("patient") {
		case "85":
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","entry":[
				{"resource":{"resourceType":"Encounter","id":"e1"}},
				{"resource":{"resourceType":"Encounter","id":"e2"}}]}`)
		default:
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset"}`)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFHIRLookups_LaunchContextOptions(t *testing.T) {
	srv := lookupServer(t)
	l := NewFHIRLookups(fhirclient.New(srv.URL))

	opts, err := l.LaunchContextOptions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !opts.Allows("85", "e2") {
		t.Error("expected 85 e2 to be allowed")
	}
	if opts.Allows("355", "e1") {
		t.Error("355 has no encounters")
	}
	if len(opts) != 2 {
		t.Errorf("expected 2 patients, got %d", len(opts))
	}
}

func TestFHIRLookups_Patients(t *testing.T) {
	srv := lookupServer(t)
	l := NewFHIRLookups(fhirclient.New(srv.URL))

	b, err := l.Patients(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Total == nil || *b.Total != 2 {
		t.Fatalf("expected total 2, got %v", b.Total)
	}
	if want := srv.URL + "/Patient/85"; b.Entry[0].FullURL != want {
		t.Errorf("fullUrl = %q, want %q", b.Entry[0].FullURL, want)
	}
}

func TestFHIRLookups_FirstEncounter(t *testing.T) {
	srv := lookupServer(t)
	l := NewFHIRLookups(fhirclient.New(srv.URL))

	tests := []struct {
		patient string
		want    string
	}{
		{"85", "e1"},
		{"355", ""},
	}
	for _, tt := range tests {
		got, err := l.FirstEncounter(context.Background(), tt.patient)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("FirstEncounter(%s) = %q, want %q", tt.patient, got, tt.want)
		}
	}
}

func TestFHIRLookups_SearchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	l := NewFHIRLookups(fhirclient.New(srv.URL))

	if _, err := l.LaunchContextOptions(context.Background()); err == nil {
		t.Error("expected error from LaunchContextOptions")
	}
	if _, err := l.FirstEncounter(context.Background(), "85"); err == nil {
		t.Error("expected error from FirstEncounter")
	}
}
