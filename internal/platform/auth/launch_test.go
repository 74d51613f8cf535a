package auth

import (
	"context"
	"errors"
	"net/url"
	"testing"
)

const testAudience = "http://localhost:8080/reference-server/r4"

type stubOptions struct {
	options LaunchContextOptions
	err     error
	calls   int
}

func (s *stubOptions) LaunchContextOptions(ctx context.Context) (LaunchContextOptions, error) {
	s.calls++
	return s.options, s.err
}

func newTestValidator(src LaunchOptionsSource) *LaunchValidator {
	return &LaunchValidator{
		ExpectedAudience: testAudience,
		PickerURL:        "/oauth/patient-picker",
		Options:          src,
	}
}

func TestLaunchValidator_Evaluate(t *testing.T) {
	options := LaunchContextOptions{"p1": {"e1", "e2"}, "p2": {}}

	tests := []struct {
		name        string
		req         AuthorizationRequest
		wantKind    DecisionKind
		wantPatient string
		wantEnc     string
		wantMessage string
	}{
		{
			name:        "bad audience",
			req:         AuthorizationRequest{Audience: "http://evil", Launch: "p1 e1"},
			wantKind:    DecisionError,
			wantMessage: MessageInvalidAudience,
		},
		{
			name:        "valid launch",
			req:         AuthorizationRequest{Audience: testAudience, Launch: "p1 e1"},
			wantKind:    DecisionReady,
			wantPatient: "p1",
			wantEnc:     "e1",
		},
		{
			name:        "unknown encounter",
			req:         AuthorizationRequest{Audience: testAudience, Launch: "p1 e9"},
			wantKind:    DecisionError,
			wantMessage: MessageInvalidLaunch,
		},
		{
			name:        "unknown patient",
			req:         AuthorizationRequest{Audience: testAudience, Launch: "p9 e1"},
			wantKind:    DecisionError,
			wantMessage: MessageInvalidLaunch,
		},
		{
			name:        "launch without encounter",
			req:         AuthorizationRequest{Audience: testAudience, Launch: "p1"},
			wantKind:    DecisionError,
			wantMessage: MessageInvalidLaunch,
		},
		{
			name:        "launch wins over patient_id",
			req:         AuthorizationRequest{Audience: testAudience, Launch: "p1 e2", PatientID: "p2", EncounterID: "e7"},
			wantKind:    DecisionReady,
			wantPatient: "p1",
			wantEnc:     "e2",
		},
		{
			name:        "patient_id only",
			req:         AuthorizationRequest{Audience: testAudience, PatientID: "p2"},
			wantKind:    DecisionReady,
			wantPatient: "p2",
		},
		{
			name:     "no context",
			req:      AuthorizationRequest{Audience: testAudience, ClientID: "app"},
			wantKind: DecisionRedirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(&stubOptions{options: options})
			d := v.Evaluate(context.Background(), &tt.req)

			if d.Kind != tt.wantKind {
				t.Fatalf("expected %s, got %s (%+v)", tt.wantKind, d.Kind, d)
			}
			if d.PatientID != tt.wantPatient {
				t.Errorf("expected patient %q, got %q", tt.wantPatient, d.PatientID)
			}
			if d.EncounterID != tt.wantEnc {
				t.Errorf("expected encounter %q, got %q", tt.wantEnc, d.EncounterID)
			}
			if d.Message != tt.wantMessage {
				t.Errorf("expected message %q, got %q", tt.wantMessage, d.Message)
			}
		})
	}
}

func TestLaunchValidator_AudienceCheckedFirst(t *testing.T) {
	src := &stubOptions{options: LaunchContextOptions{"p1": {"e1"}}}
	v := newTestValidator(src)

	v.Evaluate(context.Background(), &AuthorizationRequest{Audience: "wrong", Launch: "p1 e1"})
	if src.calls != 0 {
		t.Errorf("launch options should not be fetched after an audience failure, got %d calls", src.calls)
	}

	v.Evaluate(context.Background(), &AuthorizationRequest{Audience: testAudience, PatientID: "p1"})
	if src.calls != 0 {
		t.Errorf("launch options should only be fetched for a launch token, got %d calls", src.calls)
	}
}

func TestLaunchValidator_LookupFailure(t *testing.T) {
	lookupErr := errors.New("connection refused")
	v := newTestValidator(&stubOptions{err: lookupErr})

	d := v.Evaluate(context.Background(), &AuthorizationRequest{Audience: testAudience, Launch: "p1 e1"})
	if d.Kind != DecisionError || d.Message != MessageInvalidLaunch {
		t.Fatalf("expected invalid launch, got %+v", d)
	}
	if !errors.Is(d.Cause, lookupErr) {
		t.Errorf("expected lookup error as cause, got %v", d.Cause)
	}
}

func TestLaunchValidator_PickerRedirect(t *testing.T) {
	v := newTestValidator(&stubOptions{})
	req := &AuthorizationRequest{
		Audience:   testAudience,
		ClientID:   "SAMPLE_PUBLIC_CLIENT_ID",
		RequestURI: "http://harness/oauth/authorization?aud=x&state=abc",
	}

	d := v.Evaluate(context.Background(), req)
	if d.Kind != DecisionRedirect {
		t.Fatalf("expected redirect, got %s", d.Kind)
	}

	u, err := url.Parse(d.RedirectURL)
	if err != nil {
		t.Fatalf("invalid redirect URL: %v", err)
	}
	if u.Path != "/oauth/patient-picker" {
		t.Errorf("unexpected picker path %q", u.Path)
	}
	if got := u.Query().Get("client_id"); got != "SAMPLE_PUBLIC_CLIENT_ID" {
		t.Errorf("expected client_id, got %q", got)
	}
	if got := u.Query().Get("redirect_uri"); got != req.RequestURI {
		t.Errorf("expected current URI as redirect_uri, got %q", got)
	}
}

func TestParseAuthorizationRequest(t *testing.T) {
	q := url.Values{
		"aud":                   {testAudience},
		"launch":                {"p1 e1"},
		"client_id":             {"app"},
		"redirect_uri":          {"http://app/cb"},
		"state":                 {"xyz"},
		"scope":                 {"launch  patient/*.read"},
		"code_challenge":        {"abc"},
		"code_challenge_method": {"S256"},
	}
	req := ParseAuthorizationRequest(q, "http://harness/oauth/authorization")

	if req.Audience != testAudience || req.Launch != "p1 e1" || req.State != "xyz" {
		t.Errorf("unexpected request %+v", req)
	}
	if got := req.RequestedScopes(); len(got) != 2 || got[1] != "patient/*.read" {
		t.Errorf("unexpected scopes %v", got)
	}
	if req.CodeChallenge != "abc" || req.CodeChallengeMethod != "S256" {
		t.Errorf("unexpected PKCE params %+v", req)
	}
}
