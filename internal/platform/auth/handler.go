package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-harness/internal/platform/fhir"
)

// Lookups is what the HTTP surface needs from the FHIR server.
type Lookups interface {
	LaunchOptionsSource
	Patients(ctx context.Context) (*fhir.Bundle, error)
}

// HandlerConfig configures the authorization endpoints.
type HandlerConfig struct {
	FHIRBaseURL      string
	ExpectedAudience string
	PickerURL        string
	Refinements      map[string][]Refinement
	Logger           zerolog.Logger
}

// Handler serves the simulated SMART authorization flow.
type Handler struct {
	cfg       HandlerConfig
	lookups   Lookups
	validator *LaunchValidator
	tokens    *TokenIssuer
	logger    zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig, lookups Lookups, tokens *TokenIssuer) *Handler {
	if cfg.Refinements == nil {
		cfg.Refinements = DefaultRefinements()
	}
	return &Handler{
		cfg:     cfg,
		lookups: lookups,
		validator: &LaunchValidator{
			ExpectedAudience: cfg.ExpectedAudience,
			PickerURL:        cfg.PickerURL,
			Options:          lookups,
		},
		tokens: tokens,
		logger: cfg.Logger.With().Str("component", "auth").Logger(),
	}
}

// RegisterRoutes registers the authorization and app-launch endpoints.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	wk := e.Group("/.well-known", echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
	}))
	wk.GET("/smart-configuration", smartConfigurationHandler(h.cfg.FHIRBaseURL))
	wk.GET("/openid-configuration", openIDConfigurationHandler(h.cfg.FHIRBaseURL))
	wk.GET("/jwk", h.handleJWKS)

	app := e.Group("/app")
	app.GET("/ehr-launch-context-options", h.handleLaunchContextOptions)
	app.GET("/fhir-server-path", h.handleFHIRServerPath)
	app.GET("/smart-style-url", h.handleSmartStyle)

	oauth := e.Group("/oauth")
	oauth.GET("/authorizeClientId/:clientId", h.handleAuthorizeClientID)
	oauth.GET("/patient-picker", h.handlePatientPicker)
	oauth.POST("/supportedScopes", h.handleSupportedScopes)
	oauth.GET("/authorization", h.handleAuthorizationPage)
	oauth.POST("/authorization", h.handleAuthorizationSubmit)
	oauth.POST("/token", h.handleToken)
}

// AuthorizationView is the data the authorization page renders.
type AuthorizationView struct {
	PatientID   string          `json:"patientId"`
	EncounterID string          `json:"encounterId,omitempty"`
	State       string          `json:"state"`
	UseV2       bool            `json:"useV2"`
	Scopes      []RenderedScope `json:"scopes"`
}

// handleAuthorizationPage handles GET /oauth/authorization.
func (h *Handler) handleAuthorizationPage(c echo.Context) error {
	req := ParseAuthorizationRequest(c.QueryParams(), requestOrigin(c)+c.Request().RequestURI)

	decision := h.validator.Evaluate(c.Request().Context(), req)
	if handled, err := h.respondNotReady(c, decision); handled {
		return err
	}

	selection := NewScopeSelection(NegotiateScopes(req.Scope, h.cfg.Refinements))
	return c.JSON(http.StatusOK, AuthorizationView{
		PatientID:   decision.PatientID,
		EncounterID: decision.EncounterID,
		State:       req.State,
		UseV2:       selection.UseV2(),
		Scopes:      selection.Rendered(),
	})
}

// handleAuthorizationSubmit handles POST /oauth/authorization. The form
// repeats the original request parameters; each "toggle" value is an entry
// index flipped against the default selection, in order.
func (h *Handler) handleAuthorizationSubmit(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid form body"))
	}

	req := ParseAuthorizationRequest(form, requestOrigin(c)+"/oauth/authorization?"+form.Encode())

	decision := h.validator.Evaluate(c.Request().Context(), req)
	if handled, err := h.respondNotReady(c, decision); handled {
		return err
	}

	selection := NewScopeSelection(NegotiateScopes(req.Scope, h.cfg.Refinements))
	for _, raw := range form["toggle"] {
		i, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("toggle must be an integer: "+raw))
		}
		if err := selection.Toggle(i); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()+": "+raw))
		}
	}

	code, err := MintCode(AuthorizationCode{
		Code:                SampleCode,
		Scopes:              selection.ScopeString(),
		PatientID:           decision.PatientID,
		EncounterID:         decision.EncounterID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		return err
	}

	target, err := AuthorizationRedirect(req.RedirectURI, code, req.State)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	h.logger.Info().
		Str("client_id", req.ClientID).
		Str("patient_id", decision.PatientID).
		Str("scope", selection.ScopeString()).
		Msg("authorization code issued")

	return c.Redirect(http.StatusFound, target)
}

// respondNotReady writes the response for REDIRECT and ERROR decisions.
func (h *Handler) respondNotReady(c echo.Context, d Decision) (bool, error) {
	switch d.Kind {
	case DecisionRedirect:
		return true, c.Redirect(http.StatusFound, d.RedirectURL)
	case DecisionError:
		ev := h.logger.Warn().Str("reason", d.Message)
		if d.Cause != nil {
			ev = ev.Err(d.Cause)
		}
		ev.Msg("authorization request rejected")
		return true, c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(d.Message))
	}
	return false, nil
}

// handleToken handles POST /oauth/token.
func (h *Handler) handleToken(c echo.Context) error {
	clientID, clientSecret := extractClientCredentials(c)

	req := &TokenRequest{
		GrantType:           c.FormValue("grant_type"),
		Code:                c.FormValue("code"),
		RefreshToken:        c.FormValue("refresh_token"),
		CodeVerifier:        c.FormValue("code_verifier"),
		ClientID:            clientID,
		ClientSecret:        clientSecret,
		Scope:               c.FormValue("scope"),
		ClientAssertionType: c.FormValue("client_assertion_type"),
		ClientAssertion:     c.FormValue("client_assertion"),
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")

	resp, err := h.tokens.Exchange(c.Request().Context(), req)
	if err != nil {
		if oauthErr, ok := asOAuthError(err); ok {
			h.logger.Warn().Str("client_id", clientID).Str("error", oauthErr.Code).Msg(oauthErr.Description)
			return c.JSON(oauthErr.Status, oauthErr)
		}
		h.logger.Error().Err(err).Msg("token exchange failed")
		return c.JSON(http.StatusInternalServerError, &OAuthError{
			Code:        "server_error",
			Description: "internal server error",
		})
	}
	if req.GrantType != GrantClientCredentials {
		resp.SmartStyleURL = requestOrigin(c) + "/app/smart-style-url"
	}
	return c.JSON(http.StatusOK, resp)
}

// extractClientCredentials reads HTTP Basic credentials, falling back to
// form values.
func extractClientCredentials(c echo.Context) (string, string) {
	clientID, clientSecret, ok := c.Request().BasicAuth()
	if ok && clientID != "" {
		return clientID, clientSecret
	}
	return c.FormValue("client_id"), c.FormValue("client_secret")
}

// handleSupportedScopes handles POST /oauth/supportedScopes.
func (h *Handler) handleSupportedScopes(c echo.Context) error {
	return c.JSON(http.StatusOK, NegotiateScopes(c.FormValue("scope"), h.cfg.Refinements))
}

// handleAuthorizeClientID handles GET /oauth/authorizeClientId/:clientId,
// returning the patients a user may pick from.
func (h *Handler) handleAuthorizeClientID(c echo.Context) error {
	clientID := c.Param("clientId")
	if !h.tokens.KnowsClient(clientID) {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid client id: "+clientID))
	}

	bundle, err := h.lookups.Patients(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("patient lookup failed")
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome(err.Error()))
	}
	return fhirJSON(c, http.StatusOK, bundle)
}

// handleLaunchContextOptions handles GET /app/ehr-launch-context-options.
func (h *Handler) handleLaunchContextOptions(c echo.Context) error {
	options, err := h.lookups.LaunchContextOptions(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("launch context lookup failed")
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, options)
}

// handleFHIRServerPath handles GET /app/fhir-server-path.
func (h *Handler) handleFHIRServerPath(c echo.Context) error {
	return c.String(http.StatusOK, h.cfg.FHIRBaseURL)
}

// smartStyle is the example styling document from the SMART App Launch guide.
var smartStyle = map[string]string{
	"color_background":     "#edeae3",
	"color_error":          "#9e2d2d",
	"color_highlight":      "#69b5ce",
	"color_modal_backdrop": "",
	"color_success":        "#498e49",
	"color_text":           "#303030",
	"dim_border_radius":    "6px",
	"dim_font_size":        "13px",
	"dim_spacing_size":     "20px",
	"font_family_body":     "Georgia, Times, 'Times New Roman', serif",
	"font_family_heading":  "'HelveticaNeue-Light', Helvetica, Arial, 'Lucida Grande', sans-serif;",
}

// handleSmartStyle handles GET /app/smart-style-url.
func (h *Handler) handleSmartStyle(c echo.Context) error {
	return c.JSON(http.StatusOK, smartStyle)
}

func fhirJSON(c echo.Context, status int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, "application/fhir+json", data)
}
