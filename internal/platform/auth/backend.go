package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Backend services (bulk data) token request constants.
const (
	GrantClientCredentials     = "client_credentials"
	ClientAssertionTypeJWT     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	backendAccessTokenLifetime = 300
)

// BackendServices issues tokens for the client_credentials grant used by
// bulk data clients. The client assertion is decoded but its signature is
// not checked: only its issuer has to match the registered client.
type BackendServices struct {
	AssertionIssuer string
}

// HandleTokenRequest validates a client_credentials request and returns the
// sample access token for the requested system scopes.
func (b *BackendServices) HandleTokenRequest(req *TokenRequest) (*TokenResponse, error) {
	if err := validateBulkScopes(req.Scope); err != nil {
		return nil, err
	}
	if req.ClientAssertionType != ClientAssertionTypeJWT {
		return nil, badRequest("invalid_request", "Client Assertion Type should be "+ClientAssertionTypeJWT)
	}
	if req.ClientAssertion == "" {
		return nil, badRequest("invalid_request", "client_assertion is required")
	}

	issuer, err := assertionIssuer(req.ClientAssertion)
	if err != nil {
		return nil, badRequest("invalid_client", "client_assertion is not a JWT: "+err.Error())
	}
	if issuer != b.AssertionIssuer {
		return nil, badRequest("invalid_client", "Issuer should be "+b.AssertionIssuer)
	}

	return &TokenResponse{
		AccessToken: SampleAccessToken,
		TokenType:   "bearer",
		ExpiresIn:   backendAccessTokenLifetime,
		Scope:       req.Scope,
	}, nil
}

// assertionIssuer returns the iss claim of an unverified JWT.
func assertionIssuer(assertion string) (string, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return "", err
	}
	return token.Claims.GetIssuer()
}

// validateBulkScopes requires every scope to be a well-formed system scope.
func validateBulkScopes(scopeStr string) error {
	scopes := strings.Fields(scopeStr)
	if len(scopes) == 0 {
		return badRequest("invalid_scope", "No scopes requested for bulk data")
	}

	var invalid []string
	for _, s := range scopes {
		parsed, err := ParseSMARTScope(s)
		if err != nil || parsed.Context != "system" {
			invalid = append(invalid, s)
		}
	}
	if len(invalid) > 0 {
		return badRequest("invalid_scope", "The following scopes are invalid for bulk data : "+strings.Join(invalid, ", "))
	}
	return nil
}
