package auth

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// SMARTConfiguration represents the SMART on FHIR well-known configuration
// as defined by the SMART App Launch Framework (HL7).
type SMARTConfiguration struct {
	Issuer                        string   `json:"issuer"`
	JWKSURI                       string   `json:"jwks_uri"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgs  []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	GrantTypes                    []string `json:"grant_types_supported"`
	Scopes                        []string `json:"scopes_supported"`
	ResponseTypes                 []string `json:"response_types_supported"`
	Capabilities                  []string `json:"capabilities"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// OpenIDConfiguration is the OpenID Connect discovery document.
type OpenIDConfiguration struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// smartConfigurationHandler returns the SMART on FHIR well-known
// configuration for the harness's own authorization endpoints.
func smartConfigurationHandler(issuer string) echo.HandlerFunc {
	return func(c echo.Context) error {
		self := requestOrigin(c)
		cfg := SMARTConfiguration{
			Issuer:                       issuer,
			JWKSURI:                      self + "/.well-known/jwk",
			AuthorizationEndpoint:        self + "/oauth/authorization",
			TokenEndpoint:                self + "/oauth/token",
			TokenEndpointAuthMethods:     []string{"client_secret_basic", "client_secret_post", "private_key_jwt"},
			TokenEndpointAuthSigningAlgs: []string{"RS384", "ES384"},
			GrantTypes:                   []string{"authorization_code", "refresh_token", GrantClientCredentials},
			Scopes: []string{
				"openid", "profile", "fhirUser", "offline_access",
				"launch", "launch/patient", "launch/encounter",
				"patient/*.read", "patient/*.rs",
				"user/*.read", "user/*.rs",
				"system/*.read", "system/*.rs",
			},
			ResponseTypes: []string{"code"},
			Capabilities: []string{
				"launch-ehr", "launch-standalone", "authorize-post",
				"client-public", "client-confidential-symmetric", "client-confidential-asymmetric",
				"context-banner", "context-style",
				"context-ehr-patient", "context-ehr-encounter",
				"context-standalone-patient", "context-standalone-encounter",
				"permission-offline", "permission-patient", "permission-user",
				"permission-v1", "permission-v2",
				"sso-openid-connect",
			},
			CodeChallengeMethodsSupported: []string{"S256"},
		}
		return c.JSON(http.StatusOK, cfg)
	}
}

// openIDConfigurationHandler serves /.well-known/openid-configuration.
func openIDConfigurationHandler(issuer string) echo.HandlerFunc {
	return func(c echo.Context) error {
		self := requestOrigin(c)
		return c.JSON(http.StatusOK, OpenIDConfiguration{
			Issuer:                           issuer,
			AuthorizationEndpoint:            self + "/oauth/authorization",
			TokenEndpoint:                    self + "/oauth/token",
			JWKSURI:                          self + "/.well-known/jwk",
			ResponseTypesSupported:           []string{"code", "id_token", "token id_token"},
			SubjectTypesSupported:            []string{"pairwise", "public"},
			IDTokenSigningAlgValuesSupported: []string{jwt.SigningMethodRS256.Alg()},
		})
	}
}

// handleJWKS serves the public id_token signing key.
func (h *Handler) handleJWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tokens.KeySet())
}

// requestOrigin returns scheme://host for the incoming request.
func requestOrigin(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}
