package auth

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SampleAccessToken is the static bearer token handed out by the token
// endpoint. It is never validated.
const SampleAccessToken = "SAMPLE_TOKEN"

const (
	accessTokenTTL = 3600
	idTokenSubject = "SAMPLE_SUBJECT"
)

// OAuthError represents an OAuth 2.0 error response.
type OAuthError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func badRequest(code, description string) *OAuthError {
	return &OAuthError{Status: http.StatusBadRequest, Code: code, Description: description}
}

func unauthorized(code, description string) *OAuthError {
	return &OAuthError{Status: http.StatusUnauthorized, Code: code, Description: description}
}

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	GrantType           string
	Code                string
	RefreshToken        string
	CodeVerifier        string
	ClientID            string
	ClientSecret        string
	Scope               string
	ClientAssertionType string
	ClientAssertion     string
}

// TokenResponse is the OAuth 2.0 token response with SMART launch context.
type TokenResponse struct {
	AccessToken       string `json:"access_token"`
	TokenType         string `json:"token_type"`
	ExpiresIn         int    `json:"expires_in"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	Scope             string `json:"scope"`
	SmartStyleURL     string `json:"smart_style_url,omitempty"`
	NeedPatientBanner *bool  `json:"need_patient_banner,omitempty"`
	Patient           string `json:"patient,omitempty"`
	Encounter         string `json:"encounter,omitempty"`
	IDToken           string `json:"id_token,omitempty"`
}

// Client is an OAuth client accepted by the token endpoint. Public clients
// have no secret.
type Client struct {
	ID     string
	Secret string
}

// EncounterLookup finds the first encounter of a patient. It returns "" when
// the patient has none.
type EncounterLookup interface {
	FirstEncounter(ctx context.Context, patientID string) (string, error)
}

// TokenIssuerConfig configures a TokenIssuer.
type TokenIssuerConfig struct {
	// Issuer is the FHIR base URL, used as the id_token issuer and as the
	// prefix of the fhirUser claim.
	Issuer string
	// SigningKey signs id_tokens with RS256.
	SigningKey *rsa.PrivateKey
	// BackendAssertionIssuer is the iss a client_credentials assertion
	// must carry.
	BackendAssertionIssuer string
}

// TokenIssuer exchanges minted codes for sample tokens.
type TokenIssuer struct {
	clients    map[string]Client
	issuer     string
	signingKey *rsa.PrivateKey
	backend    *BackendServices
	encounters EncounterLookup
	now        func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig, encounters EncounterLookup, clients ...Client) *TokenIssuer {
	t := &TokenIssuer{
		clients:    make(map[string]Client, len(clients)),
		issuer:     cfg.Issuer,
		signingKey: cfg.SigningKey,
		backend:    &BackendServices{AssertionIssuer: cfg.BackendAssertionIssuer},
		encounters: encounters,
		now:        time.Now,
	}
	for _, c := range clients {
		t.clients[c.ID] = c
	}
	return t
}

// KnowsClient reports whether clientID is configured.
func (t *TokenIssuer) KnowsClient(clientID string) bool {
	_, ok := t.clients[clientID]
	return ok
}

// KeySet returns the public half of the id_token signing key.
func (t *TokenIssuer) KeySet() JWKSet {
	return JWKSet{Keys: []JWK{publicJWK(&t.signingKey.PublicKey)}}
}

// Exchange handles the authorization_code, refresh_token and
// client_credentials grants. Errors are *OAuthError unless something
// unexpected failed.
func (t *TokenIssuer) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.GrantType == GrantClientCredentials {
		return t.backend.HandleTokenRequest(req)
	}
	if req.GrantType != "authorization_code" && req.GrantType != "refresh_token" {
		return nil, badRequest("unsupported_grant_type", "Bad Grant Type: "+req.GrantType)
	}

	if err := t.authenticateClient(req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	var (
		grant *AuthorizationCode
		err   error
	)
	switch {
	case req.Code != "":
		grant, err = DecodeCode(req.Code)
		if err != nil {
			return nil, badRequest("invalid_grant", "Invalid code")
		}
		if err := verifyCodeChallenge(grant, req.CodeVerifier); err != nil {
			return nil, err
		}
	case req.RefreshToken != "":
		grant, err = DecodeCode(req.RefreshToken)
		if err != nil {
			return nil, badRequest("invalid_grant", "Refresh Token "+req.RefreshToken+" was not found")
		}
	default:
		return nil, badRequest("invalid_request", "No code or refresh token provided.")
	}

	return t.issue(ctx, req.ClientID, grant)
}

func (t *TokenIssuer) authenticateClient(clientID, secret string) error {
	client, ok := t.clients[clientID]
	if !ok {
		return unauthorized("invalid_client", "unknown client_id")
	}
	if client.Secret != "" && client.Secret != secret {
		return unauthorized("invalid_client", "invalid client credentials")
	}
	return nil
}

// verifyCodeChallenge applies PKCE. It is skipped when the code carries no
// challenge, no verifier was sent and no granted scope forces PKCE.
func verifyCodeChallenge(grant *AuthorizationCode, verifier string) error {
	if grant.CodeChallenge == "" && verifier == "" && !requiresPKCE(grant.Scopes) {
		return nil
	}
	if grant.CodeChallengeMethod != "" && !strings.EqualFold(grant.CodeChallengeMethod, "S256") {
		return badRequest("invalid_request", "Only S256 PKCE code challenge method is supported")
	}
	if grant.CodeChallenge == "" {
		return badRequest("invalid_request", "No code challenge received")
	}
	if verifier == "" {
		return badRequest("invalid_request", "No code verifier received")
	}
	if !verifyPKCE(verifier, grant.CodeChallenge) {
		return badRequest("invalid_grant", "Invalid code verifier")
	}
	return nil
}

func verifyPKCE(verifier, challenge string) bool {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return strings.EqualFold(computed, challenge)
}

func (t *TokenIssuer) issue(ctx context.Context, clientID string, grant *AuthorizationCode) (*TokenResponse, error) {
	if grant.PatientID == "" {
		return nil, unauthorized("invalid_grant", "No patients found")
	}

	refresh, err := MintCode(AuthorizationCode{
		Code:        SampleCode,
		Scopes:      grant.Scopes,
		PatientID:   grant.PatientID,
		EncounterID: grant.EncounterID,
	})
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken:       SampleAccessToken,
		TokenType:         "bearer",
		ExpiresIn:         accessTokenTTL,
		RefreshToken:      refresh,
		Scope:             grant.Scopes,
		NeedPatientBanner: new(bool),
	}

	if containsScope(grant.Scopes, "launch") || containsScope(grant.Scopes, "launch/patient") {
		resp.Patient = grant.PatientID
	}

	if containsScope(grant.Scopes, "launch") || containsScope(grant.Scopes, "launch/encounter") {
		encounterID := grant.EncounterID
		if encounterID == "" {
			if t.encounters == nil {
				return nil, unauthorized("invalid_grant", "No encounters found")
			}
			encounterID, err = t.encounters.FirstEncounter(ctx, grant.PatientID)
			if err != nil {
				return nil, fmt.Errorf("looking up encounter for patient %s: %w", grant.PatientID, err)
			}
			if encounterID == "" {
				return nil, unauthorized("invalid_grant", "No encounters found")
			}
		}
		resp.Encounter = encounterID
	}

	if containsScope(grant.Scopes, "openid") &&
		(containsScope(grant.Scopes, "fhirUser") || containsScope(grant.Scopes, "profile")) {
		idToken, err := t.signIDToken(clientID, grant.PatientID)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	return resp, nil
}

// signIDToken creates a sample OpenID Connect id_token whose fhirUser is the
// patient resource.
func (t *TokenIssuer) signIDToken(clientID, patientID string) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"iss":      t.issuer,
		"sub":      idTokenSubject,
		"aud":      clientID,
		"iat":      now.Unix(),
		"exp":      now.AddDate(1, 0, 0).Unix(),
		"fhirUser": t.issuer + "/Patient/" + patientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID(&t.signingKey.PublicKey)
	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing id_token: %w", err)
	}
	return signed, nil
}

// asOAuthError unwraps err into an *OAuthError if it is one.
func asOAuthError(err error) (*OAuthError, bool) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
