package auth

import (
	"context"
	"net/url"
	"strings"
)

// AuthorizationRequest holds the parameters of an incoming authorization
// request. It is not modified after parsing.
type AuthorizationRequest struct {
	Audience            string
	Launch              string
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	PatientID           string
	EncounterID         string
	CodeChallenge       string
	CodeChallengeMethod string

	// RequestURI is the full URI of the request, used as the picker's
	// return address.
	RequestURI string
}

// ParseAuthorizationRequest reads the SMART authorization parameters from q.
func ParseAuthorizationRequest(q url.Values, requestURI string) *AuthorizationRequest {
	return &AuthorizationRequest{
		Audience:            q.Get("aud"),
		Launch:              q.Get("launch"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		PatientID:           q.Get("patient_id"),
		EncounterID:         q.Get("encounter_id"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		RequestURI:          requestURI,
	}
}

// RequestedScopes returns the requested scopes in order.
func (r *AuthorizationRequest) RequestedScopes() []string {
	return strings.Fields(r.Scope)
}

// DecisionKind is the terminal state reached by the validator.
type DecisionKind string

const (
	DecisionReady    DecisionKind = "READY"
	DecisionRedirect DecisionKind = "REDIRECT"
	DecisionError    DecisionKind = "ERROR"
)

// Validation messages shown to the user.
const (
	MessageInvalidAudience = "invalid audience"
	MessageInvalidLaunch   = "invalid launch"
)

// Decision is the outcome of validating an authorization request.
type Decision struct {
	Kind DecisionKind

	// READY
	PatientID   string
	EncounterID string

	// REDIRECT
	RedirectURL string

	// ERROR
	Message string
	Cause   error
}

// LaunchContextOptions maps each patient id to the encounter ids a launch
// token may name for it.
type LaunchContextOptions map[string][]string

// Allows reports whether "patientID encounterID" is a valid launch.
func (o LaunchContextOptions) Allows(patientID, encounterID string) bool {
	encounters, ok := o[patientID]
	if !ok {
		return false
	}
	for _, e := range encounters {
		if e == encounterID {
			return true
		}
	}
	return false
}

// LaunchOptionsSource fetches the launch context options from the server.
type LaunchOptionsSource interface {
	LaunchContextOptions(ctx context.Context) (LaunchContextOptions, error)
}

// LaunchValidator decides whether an authorization request can proceed.
type LaunchValidator struct {
	ExpectedAudience string
	PickerURL        string
	Options          LaunchOptionsSource
}

// Evaluate runs the validation steps in order and stops at the first
// terminal state. The launch option lookup only happens when a launch
// token is present, and completes before the token is checked.
func (v *LaunchValidator) Evaluate(ctx context.Context, req *AuthorizationRequest) Decision {
	if req.Audience != v.ExpectedAudience {
		return Decision{Kind: DecisionError, Message: MessageInvalidAudience}
	}

	patientID := req.PatientID
	encounterID := req.EncounterID

	if req.Launch != "" {
		launchPatient, launchEncounter, ok := strings.Cut(req.Launch, " ")
		if !ok {
			return Decision{Kind: DecisionError, Message: MessageInvalidLaunch}
		}
		options, err := v.Options.LaunchContextOptions(ctx)
		if err != nil {
			return Decision{Kind: DecisionError, Message: MessageInvalidLaunch, Cause: err}
		}
		if !options.Allows(launchPatient, launchEncounter) {
			return Decision{Kind: DecisionError, Message: MessageInvalidLaunch}
		}
		patientID = launchPatient
		encounterID = launchEncounter
	}

	if patientID == "" {
		return Decision{Kind: DecisionRedirect, RedirectURL: v.pickerRedirect(req)}
	}

	return Decision{Kind: DecisionReady, PatientID: patientID, EncounterID: encounterID}
}

func (v *LaunchValidator) pickerRedirect(req *AuthorizationRequest) string {
	q := url.Values{}
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RequestURI)

	sep := "?"
	if strings.Contains(v.PickerURL, "?") {
		sep = "&"
	}
	return v.PickerURL + sep + q.Encode()
}
