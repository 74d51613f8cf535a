package auth

import (
	"errors"
	"strings"
)

var (
	// ErrScopeIndex is returned when a toggle names an entry that does not exist.
	ErrScopeIndex = errors.New("scope index out of range")

	// ErrScopeDisabled is returned when a toggle targets a disabled entry.
	ErrScopeDisabled = errors.New("scope entry is disabled")
)

// Refinement is a known sub-category a resource scope can be narrowed to,
// rendered as "param=system|code".
type Refinement struct {
	Param  string `json:"param"`
	System string `json:"system,omitempty"`
	Code   string `json:"code"`
}

func (r Refinement) query() string {
	if r.System == "" {
		return r.Param + "=" + r.Code
	}
	return r.Param + "=" + r.System + "|" + r.Code
}

const (
	conditionCategorySystem   = "http://terminology.hl7.org/CodeSystem/condition-category"
	usCoreConditionCategory   = "http://hl7.org/fhir/us/core/CodeSystem/condition-category"
	observationCategorySystem = "http://terminology.hl7.org/CodeSystem/observation-category"
	usCoreCategorySystem      = "http://hl7.org/fhir/us/core/CodeSystem/us-core-category"
	usCoreDocRefCategory      = "http://hl7.org/fhir/us/core/CodeSystem/us-core-documentreference-category"
)

// DefaultRefinements returns the US Core category refinements offered for
// granular scopes.
func DefaultRefinements() map[string][]Refinement {
	return map[string][]Refinement{
		"Condition": {
			{Param: "category", System: conditionCategorySystem, Code: "problem-list-item"},
			{Param: "category", System: conditionCategorySystem, Code: "encounter-diagnosis"},
			{Param: "category", System: usCoreConditionCategory, Code: "health-concern"},
		},
		"Observation": {
			{Param: "category", System: observationCategorySystem, Code: "laboratory"},
			{Param: "category", System: observationCategorySystem, Code: "social-history"},
			{Param: "category", System: observationCategorySystem, Code: "vital-signs"},
			{Param: "category", System: observationCategorySystem, Code: "survey"},
			{Param: "category", System: usCoreCategorySystem, Code: "sdoh"},
		},
		"DocumentReference": {
			{Param: "category", System: usCoreDocRefCategory, Code: "clinical-note"},
		},
	}
}

// ScopeDescriptor describes one requested scope. V2 is always set; V1 is
// empty for scopes that only exist in the newer syntax.
type ScopeDescriptor struct {
	V1        string   `json:"v1,omitempty"`
	V2        string   `json:"v2"`
	Subscopes []string `json:"subscopes"`
}

// NegotiateScopes expands a space-delimited scope string into descriptors.
// Resource scopes that grant read access on a type with known refinements
// get one v2-only subscope per refinement. Anything that does not parse as a
// resource scope is passed through opaquely.
func NegotiateScopes(scope string, refinements map[string][]Refinement) []ScopeDescriptor {
	fields := strings.Fields(scope)
	out := make([]ScopeDescriptor, 0, len(fields))
	for _, raw := range fields {
		out = append(out, describeScope(raw, refinements))
	}
	return out
}

func describeScope(raw string, refinements map[string][]Refinement) ScopeDescriptor {
	parsed, err := ParseSMARTScope(raw)
	if err != nil {
		return ScopeDescriptor{V1: raw, V2: raw, Subscopes: []string{}}
	}

	d := ScopeDescriptor{V2: parsed.V2(), Subscopes: []string{}}
	if v1, ok := parsed.V1(); ok {
		d.V1 = v1
	}

	if parsed.Query != "" || !parsed.CanRead() {
		return d
	}
	for _, r := range refinements[parsed.ResourceType] {
		sub := SMARTScope{
			Context:      parsed.Context,
			ResourceType: parsed.ResourceType,
			Permissions:  parsed.Permissions,
			Query:        r.query(),
			Version:      parsed.Version,
		}
		d.Subscopes = append(d.Subscopes, sub.V2())
	}
	return d
}

// EntryKind distinguishes requested scopes from their refinements.
type EntryKind string

const (
	EntryMain EntryKind = "main"
	EntrySub  EntryKind = "sub"
)

type scopeEntry struct {
	kind     EntryKind
	parent   int
	v1       string
	v2       string
	selected bool
	disabled bool
}

// RenderedScope is a scope entry in the current display form.
type RenderedScope struct {
	Index    int       `json:"index"`
	Kind     EntryKind `json:"kind"`
	Parent   int       `json:"parent"`
	Label    string    `json:"label"`
	Value    string    `json:"value"`
	Selected bool      `json:"selected"`
	Disabled bool      `json:"disabled"`
}

// ScopeSelection is the toggle state of the scope checkboxes. A main scope
// and its subscopes are alternatives: while the main scope is selected its
// subscopes are disabled, and while any subscope is selected the main scope
// is disabled.
type ScopeSelection struct {
	entries []scopeEntry
}

// NewScopeSelection lays out each descriptor followed by its subscopes.
// Main scopes start selected; subscopes start unselected and disabled.
func NewScopeSelection(descs []ScopeDescriptor) *ScopeSelection {
	s := &ScopeSelection{}
	for _, d := range descs {
		parent := len(s.entries)
		s.entries = append(s.entries, scopeEntry{
			kind:     EntryMain,
			parent:   -1,
			v1:       d.V1,
			v2:       d.V2,
			selected: true,
		})
		for _, sub := range d.Subscopes {
			s.entries = append(s.entries, scopeEntry{
				kind:     EntrySub,
				parent:   parent,
				v2:       sub,
				disabled: true,
			})
		}
	}
	return s
}

// Len returns the number of entries.
func (s *ScopeSelection) Len() int {
	return len(s.entries)
}

// Toggle flips the selection of entry i.
func (s *ScopeSelection) Toggle(i int) error {
	if i < 0 || i >= len(s.entries) {
		return ErrScopeIndex
	}
	return s.Set(i, !s.entries[i].selected)
}

// Set selects or deselects entry i and updates its alternatives.
func (s *ScopeSelection) Set(i int, selected bool) error {
	if i < 0 || i >= len(s.entries) {
		return ErrScopeIndex
	}
	e := &s.entries[i]
	if e.disabled {
		return ErrScopeDisabled
	}
	e.selected = selected

	switch e.kind {
	case EntryMain:
		for j := i + 1; j < len(s.entries) && s.entries[j].parent == i; j++ {
			s.entries[j].disabled = selected
			if selected {
				s.entries[j].selected = false
			}
		}
	case EntrySub:
		parent := &s.entries[e.parent]
		anySelected := false
		for j := e.parent + 1; j < len(s.entries) && s.entries[j].parent == e.parent; j++ {
			if s.entries[j].selected {
				anySelected = true
				break
			}
		}
		parent.disabled = anySelected
		if anySelected {
			parent.selected = false
		}
	}
	return nil
}

// UseV2 reports whether the set must be displayed in v2 form, which is the
// case as soon as any selected entry has no v1 form.
func (s *ScopeSelection) UseV2() bool {
	for _, e := range s.entries {
		if e.selected && e.v1 == "" {
			return true
		}
	}
	return false
}

func (s *ScopeSelection) display(e scopeEntry, useV2 bool) string {
	if useV2 || e.v1 == "" {
		return e.v2
	}
	return e.v1
}

// Rendered returns every entry in the current display form.
func (s *ScopeSelection) Rendered() []RenderedScope {
	useV2 := s.UseV2()
	out := make([]RenderedScope, len(s.entries))
	for i, e := range s.entries {
		v := s.display(e, useV2)
		out[i] = RenderedScope{
			Index:    i,
			Kind:     e.kind,
			Parent:   e.parent,
			Label:    v,
			Value:    v,
			Selected: e.selected,
			Disabled: e.disabled,
		}
	}
	return out
}

// SelectedValues returns the displayed value of every selected entry.
func (s *ScopeSelection) SelectedValues() []string {
	useV2 := s.UseV2()
	var out []string
	for _, e := range s.entries {
		if e.selected {
			out = append(out, s.display(e, useV2))
		}
	}
	return out
}

// ScopeString joins the selected values with spaces.
func (s *ScopeSelection) ScopeString() string {
	return strings.Join(s.SelectedValues(), " ")
}
