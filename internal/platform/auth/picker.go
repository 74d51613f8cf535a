package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhir-harness/internal/platform/fhir"
)

const patientNameAbsent = "Patient Name Absent"

// PickerPatient is one selectable row of the patient picker.
type PickerPatient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ReturnURL string `json:"returnUrl"`
}

// PatientPickerView is the data the patient picker renders.
type PatientPickerView struct {
	ClientID string          `json:"clientId"`
	Patients []PickerPatient `json:"patients"`
}

type pickerPatientResource struct {
	ID   string `json:"id"`
	Name []struct {
		Given  []string `json:"given"`
		Family string   `json:"family"`
	} `json:"name"`
}

// displayName is the first given name and the family name of the first
// HumanName.
func (p pickerPatientResource) displayName() string {
	if len(p.Name) == 0 {
		return patientNameAbsent
	}
	var given string
	if len(p.Name[0].Given) > 0 {
		given = p.Name[0].Given[0]
	}
	name := strings.TrimSpace(given + " " + p.Name[0].Family)
	if name == "" {
		return patientNameAbsent
	}
	return name
}

// BuildPatientPicker lists the patients of a searchset bundle. Each return
// URL re-enters the authorization request with patient_id appended.
func BuildPatientPicker(clientID, redirectURI string, patients *fhir.Bundle) PatientPickerView {
	view := PatientPickerView{ClientID: clientID, Patients: []PickerPatient{}}
	for _, raw := range patients.Resources() {
		var p pickerPatientResource
		if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
			continue
		}
		view.Patients = append(view.Patients, PickerPatient{
			ID:        p.ID,
			Name:      p.displayName(),
			ReturnURL: redirectURI + "&patient_id=" + p.ID,
		})
	}
	return view
}

// handlePatientPicker handles GET /oauth/patient-picker, the target of the
// validator's REDIRECT decision.
func (h *Handler) handlePatientPicker(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	redirectURI := c.QueryParam("redirect_uri")
	if !h.tokens.KnowsClient(clientID) {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("Invalid Client ID: "+clientID))
	}
	if redirectURI == "" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("redirect_uri is required"))
	}

	bundle, err := h.lookups.Patients(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("patient lookup failed")
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, BuildPatientPicker(clientID, redirectURI, bundle))
}
