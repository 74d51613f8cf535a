package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var tokenTestKey = func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}()

const (
	testPublicClient       = "SAMPLE_PUBLIC_CLIENT_ID"
	testConfidentialClient = "SAMPLE_CONFIDENTIAL_CLIENT_ID"
	testConfidentialSecret = "SAMPLE_CONFIDENTIAL_CLIENT_SECRET"
	testAssertionIssuer    = "registered-bulk-client"
)

type stubEncounters struct {
	id  string
	err error
}

func (s stubEncounters) FirstEncounter(ctx context.Context, patientID string) (string, error) {
	return s.id, s.err
}

func newTestIssuer(enc EncounterLookup) *TokenIssuer {
	t := NewTokenIssuer(TokenIssuerConfig{
		Issuer:                 testAudience,
		SigningKey:             tokenTestKey,
		BackendAssertionIssuer: testAssertionIssuer,
	}, enc,
		Client{ID: testPublicClient},
		Client{ID: testConfidentialClient, Secret: testConfidentialSecret},
	)
	t.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return t
}

func mustMint(t *testing.T, c AuthorizationCode) string {
	t.Helper()
	code, err := MintCode(c)
	if err != nil {
		t.Fatalf("MintCode: %v", err)
	}
	return code
}

// publicKeyFromJWK rebuilds an RSA public key the way a relying party would.
func publicKeyFromJWK(t *testing.T, k JWK) *rsa.PublicKey {
	t.Helper()
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		t.Fatalf("decoding n: %v", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		t.Fatalf("decoding e: %v", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
}

// verifyIDToken checks an id_token against the published key set.
func verifyIDToken(t *testing.T, idToken string, keys JWKSet) jwt.MapClaims {
	t.Helper()
	if len(keys.Keys) != 1 {
		t.Fatalf("expected one key, got %d", len(keys.Keys))
	}
	key := keys.Keys[0]
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(idToken, claims, func(tok *jwt.Token) (interface{}, error) {
		if tok.Header["kid"] != key.Kid {
			t.Errorf("kid %v does not match published %q", tok.Header["kid"], key.Kid)
		}
		return publicKeyFromJWK(t, key), nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		t.Fatalf("id_token did not verify: %v", err)
	}
	if !token.Valid {
		t.Fatal("id_token not valid")
	}
	return claims
}

func signedAssertion(t *testing.T, iss string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": iss, "sub": iss})
	s, err := tok.SignedString([]byte("client-secret"))
	if err != nil {
		t.Fatalf("signing assertion: %v", err)
	}
	return s
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func expectOAuthError(t *testing.T, err error, status int, code string) {
	t.Helper()
	oe, ok := asOAuthError(err)
	if !ok {
		t.Fatalf("expected OAuthError, got %v", err)
	}
	if oe.Status != status || oe.Code != code {
		t.Errorf("expected %d %s, got %d %s (%s)", status, code, oe.Status, oe.Code, oe.Description)
	}
}

func TestExchange_AuthorizationCode(t *testing.T) {
	issuer := newTestIssuer(stubEncounters{})
	code := mustMint(t, AuthorizationCode{Scopes: "launch openid fhirUser patient/*.read", PatientID: "p1", EncounterID: "e1"})

	resp, err := issuer.Exchange(context.Background(), &TokenRequest{
		GrantType: "authorization_code",
		Code:      code,
		ClientID:  testPublicClient,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.AccessToken != SampleAccessToken || resp.TokenType != "bearer" || resp.ExpiresIn != 3600 {
		t.Errorf("unexpected token fields %+v", resp)
	}
	if resp.Patient != "p1" || resp.Encounter != "e1" {
		t.Errorf("expected launch context p1/e1, got %q/%q", resp.Patient, resp.Encounter)
	}
	if resp.Scope != "launch openid fhirUser patient/*.read" {
		t.Errorf("unexpected scope %q", resp.Scope)
	}
	if resp.NeedPatientBanner == nil || *resp.NeedPatientBanner {
		t.Error("need_patient_banner should be false")
	}
	if resp.IDToken == "" {
		t.Fatal("expected id_token for openid fhirUser")
	}

	claims := verifyIDToken(t, resp.IDToken, issuer.KeySet())
	if claims["sub"] != "SAMPLE_SUBJECT" {
		t.Errorf("unexpected sub %v", claims["sub"])
	}
	if claims["fhirUser"] != testAudience+"/Patient/p1" {
		t.Errorf("unexpected fhirUser %v", claims["fhirUser"])
	}
	if claims["aud"] != testPublicClient {
		t.Errorf("unexpected aud %v", claims["aud"])
	}
	if claims["iss"] != testAudience {
		t.Errorf("unexpected iss %v", claims["iss"])
	}
}

func TestExchange_RefreshToken(t *testing.T) {
	issuer := newTestIssuer(stubEncounters{})
	code := mustMint(t, AuthorizationCode{Scopes: "launch/patient offline_access", PatientID: "p1"})

	first, err := issuer.Exchange(context.Background(), &TokenRequest{GrantType: "authorization_code", Code: code, ClientID: testPublicClient})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := issuer.Exchange(context.Background(), &TokenRequest{GrantType: "refresh_token", RefreshToken: first.RefreshToken, ClientID: testPublicClient})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if second.Patient != "p1" || second.Scope != first.Scope {
		t.Errorf("refresh lost context: %+v", second)
	}
	if second.Encounter != "" {
		t.Errorf("launch/patient alone should not return an encounter, got %q", second.Encounter)
	}

	_, err = issuer.Exchange(context.Background(), &TokenRequest{GrantType: "refresh_token", RefreshToken: "garbage", ClientID: testPublicClient})
	expectOAuthError(t, err, http.StatusBadRequest, "invalid_grant")
}

func TestExchange_ClientAuthentication(t *testing.T) {
	issuer := newTestIssuer(stubEncounters{})
	code := mustMint(t, AuthorizationCode{Scopes: "launch/patient", PatientID: "p1"})

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"public", testPublicClient, "", false},
		{"confidential", testConfidentialClient, testConfidentialSecret, false},
		{"confidential wrong secret", testConfidentialClient, "nope", true},
		{"confidential no secret", testConfidentialClient, "", true},
		{"unknown", "other", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Exchange(context.Background(), &TokenRequest{
				GrantType:    "authorization_code",
				Code:         code,
				ClientID:     tt.clientID,
				ClientSecret: tt.secret,
			})
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			expectOAuthError(t, err, http.StatusUnauthorized, "invalid_client")
		})
	}
}

func TestExchange_PKCE(t *testing.T) {
	issuer := newTestIssuer(stubEncounters{})
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	tests := []struct {
		name     string
		code     AuthorizationCode
		verifier string
		wantErr  bool
	}{
		{
			name: "v1 without pkce",
			code: AuthorizationCode{Scopes: "patient/*.read", PatientID: "p1"},
		},
		{
			name:     "valid S256",
			code:     AuthorizationCode{Scopes: "patient/*.read", PatientID: "p1", CodeChallenge: pkceChallenge(verifier), CodeChallengeMethod: "S256"},
			verifier: verifier,
		},
		{
			name:     "method is case-insensitive",
			code:     AuthorizationCode{Scopes: "patient/*.read", PatientID: "p1", CodeChallenge: pkceChallenge(verifier), CodeChallengeMethod: "s256"},
			verifier: verifier,
		},
		{
			name:    "v2 scope requires pkce",
			code:    AuthorizationCode{Scopes: "patient/*.rs", PatientID: "p1"},
			wantErr: true,
		},
		{
			name: "resource-typed v2 scope without pkce",
			code: AuthorizationCode{Scopes: "launch patient/Patient.rs", PatientID: "p1"},
		},
		{
			name:     "challenge compared case-insensitively",
			code:     AuthorizationCode{Scopes: "patient/*.rs", PatientID: "p1", CodeChallenge: strings.ToUpper(pkceChallenge(verifier)), CodeChallengeMethod: "S256"},
			verifier: verifier,
		},
		{
			name:     "verifier without challenge",
			code:     AuthorizationCode{Scopes: "patient/*.read", PatientID: "p1"},
			verifier: verifier,
			wantErr:  true,
		},
		{
			name:    "challenge without verifier",
			code:    AuthorizationCode{Scopes: "patient/*.read", PatientID: "p1", CodeChallenge: pkceChallenge(verifier), CodeChallengeMethod: "S256"},
			wantErr: true,
		},
		{
			name:     "wrong verifier",
			code:     AuthorizationCode{Scopes: "patient/*.read", PatientID: "p1", CodeChallenge: pkceChallenge(verifier), CodeChallengeMethod: "S256"},
			verifier: "something-else",
			wantErr:  true,
		},
		{
			name:     "plain method rejected",
			code:     AuthorizationCode{Scopes: "patient/*.read", PatientID: "p1", CodeChallenge: verifier, CodeChallengeMethod: "plain"},
			verifier: verifier,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Exchange(context.Background(), &TokenRequest{
				GrantType:    "authorization_code",
				Code:         mustMint(t, tt.code),
				CodeVerifier: tt.verifier,
				ClientID:     testPublicClient,
			})
			if tt.wantErr && err == nil {
				t.Fatal("expected PKCE failure")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr {
				if _, ok := asOAuthError(err); !ok {
					t.Errorf("expected OAuthError, got %v", err)
				}
			}
		})
	}
}

func TestExchange_EncounterLookup(t *testing.T) {
	code := mustMint(t, AuthorizationCode{Scopes: "launch", PatientID: "p1"})
	req := &TokenRequest{GrantType: "authorization_code", Code: code, ClientID: testPublicClient}

	resp, err := newTestIssuer(stubEncounters{id: "e5"}).Exchange(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Encounter != "e5" {
		t.Errorf("expected first encounter e5, got %q", resp.Encounter)
	}

	_, err = newTestIssuer(stubEncounters{}).Exchange(context.Background(), req)
	expectOAuthError(t, err, http.StatusUnauthorized, "invalid_grant")

	lookupErr := errors.New("server down")
	_, err = newTestIssuer(stubEncounters{err: lookupErr}).Exchange(context.Background(), req)
	if !errors.Is(err, lookupErr) {
		t.Errorf("expected lookup error, got %v", err)
	}
}

func TestExchange_Failures(t *testing.T) {
	issuer := newTestIssuer(stubEncounters{})

	_, err := issuer.Exchange(context.Background(), &TokenRequest{GrantType: "password", ClientID: testPublicClient})
	expectOAuthError(t, err, http.StatusBadRequest, "unsupported_grant_type")

	_, err = issuer.Exchange(context.Background(), &TokenRequest{GrantType: "authorization_code", ClientID: testPublicClient})
	expectOAuthError(t, err, http.StatusBadRequest, "invalid_request")

	_, err = issuer.Exchange(context.Background(), &TokenRequest{GrantType: "authorization_code", Code: "bogus", ClientID: testPublicClient})
	expectOAuthError(t, err, http.StatusBadRequest, "invalid_grant")

	noPatient := mustMint(t, AuthorizationCode{Scopes: "launch/patient"})
	_, err = issuer.Exchange(context.Background(), &TokenRequest{GrantType: "authorization_code", Code: noPatient, ClientID: testPublicClient})
	expectOAuthError(t, err, http.StatusUnauthorized, "invalid_grant")
}

func TestExchange_NoIDTokenWithoutOpenID(t *testing.T) {
	issuer := newTestIssuer(stubEncounters{})
	code := mustMint(t, AuthorizationCode{Scopes: "fhirUser patient/*.read", PatientID: "p1"})

	resp, err := issuer.Exchange(context.Background(), &TokenRequest{GrantType: "authorization_code", Code: code, ClientID: testPublicClient})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IDToken != "" {
		t.Error("id_token requires openid")
	}
	if resp.Patient != "" {
		t.Error("patient requires launch or launch/patient")
	}
}

func TestExchange_ClientCredentials(t *testing.T) {
	issuer := newTestIssuer(stubEncounters{})
	valid := signedAssertion(t, testAssertionIssuer)

	tests := []struct {
		name      string
		scope     string
		assertTyp string
		assertion string
		wantCode  string
		wantDesc  string
	}{
		{name: "valid", scope: "system/*.read system/Patient.rs", assertTyp: ClientAssertionTypeJWT, assertion: valid},
		{name: "patient scope", scope: "system/*.read patient/*.read", assertTyp: ClientAssertionTypeJWT, assertion: valid,
			wantCode: "invalid_scope", wantDesc: "The following scopes are invalid for bulk data : patient/*.read"},
		{name: "bad action", scope: "system/*.write2", assertTyp: ClientAssertionTypeJWT, assertion: valid, wantCode: "invalid_scope"},
		{name: "no scope", assertTyp: ClientAssertionTypeJWT, assertion: valid, wantCode: "invalid_scope"},
		{name: "wrong assertion type", scope: "system/*.read", assertTyp: "password", assertion: valid, wantCode: "invalid_request"},
		{name: "missing assertion", scope: "system/*.read", assertTyp: ClientAssertionTypeJWT, wantCode: "invalid_request"},
		{name: "not a jwt", scope: "system/*.read", assertTyp: ClientAssertionTypeJWT, assertion: "abc", wantCode: "invalid_client"},
		{name: "wrong issuer", scope: "system/*.read", assertTyp: ClientAssertionTypeJWT, assertion: signedAssertion(t, "someone-else"), wantCode: "invalid_client"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := issuer.Exchange(context.Background(), &TokenRequest{
				GrantType:           GrantClientCredentials,
				Scope:               tt.scope,
				ClientAssertionType: tt.assertTyp,
				ClientAssertion:     tt.assertion,
			})
			if tt.wantCode != "" {
				expectOAuthError(t, err, http.StatusBadRequest, tt.wantCode)
				if oe, ok := asOAuthError(err); ok && tt.wantDesc != "" && oe.Description != tt.wantDesc {
					t.Errorf("description = %q, want %q", oe.Description, tt.wantDesc)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.AccessToken != SampleAccessToken || resp.TokenType != "bearer" || resp.ExpiresIn != 300 {
				t.Errorf("unexpected token fields %+v", resp)
			}
			if resp.Scope != tt.scope {
				t.Errorf("scope = %q, want %q", resp.Scope, tt.scope)
			}
			if resp.RefreshToken != "" || resp.IDToken != "" || resp.NeedPatientBanner != nil {
				t.Errorf("backend token should carry no launch fields: %+v", resp)
			}
		})
	}
}
