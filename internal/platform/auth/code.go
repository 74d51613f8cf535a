package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// SampleCode is the fixed sentinel carried inside every minted code.
const SampleCode = "SAMPLE_CODE"

// ErrInvalidCode is returned when a code cannot be decoded or does not carry
// the sentinel.
var ErrInvalidCode = errors.New("invalid authorization code")

// AuthorizationCode is the negotiated context carried inside a minted code.
// Empty fields are omitted from the encoding.
type AuthorizationCode struct {
	Code                string `json:"code"`
	Scopes              string `json:"scopes,omitempty"`
	PatientID           string `json:"patientId,omitempty"`
	EncounterID         string `json:"encounterId,omitempty"`
	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`
}

// MintCode encodes c as base64 JSON. Code defaults to SampleCode.
func MintCode(c AuthorizationCode) (string, error) {
	if c.Code == "" {
		c.Code = SampleCode
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshaling authorization code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeCode reverses MintCode and checks the sentinel.
func DecodeCode(code string) (*AuthorizationCode, error) {
	data, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	var c AuthorizationCode
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	if c.Code != SampleCode {
		return nil, fmt.Errorf("%w: unexpected code %q", ErrInvalidCode, c.Code)
	}
	return &c, nil
}

// AuthorizationRedirect returns redirectURI with code and state added to its
// query. State is echoed verbatim.
func AuthorizationRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect_uri: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
