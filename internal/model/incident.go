package model

import (
	"strings"
	"time"
)

// IncidentType classifies the anomaly perception observed.
type IncidentType string

const (
	IncidentVisualOcclusion    IncidentType = "visual-occlusion"
	IncidentElementUnclickable IncidentType = "element-unclickable"
	IncidentLayoutShift        IncidentType = "layout-shift"
	IncidentContentMissing     IncidentType = "content-missing"
	IncidentUnknown            IncidentType = "unknown"
)

// Severity is the coarse impact class of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ElementLocator is a structural description of a DOM element. It is not a
// stable identity: the element it describes may be gone in a fresh session.
type ElementLocator struct {
	// Selector is the best CSS selector we could derive for the element.
	Selector string `json:"selector"`

	Tag     string   `json:"tag"`
	ID      string   `json:"id,omitempty"`
	Classes []string `json:"classes,omitempty"`

	// Text is a short prefix of the element's visible text.
	Text string `json:"text,omitempty"`

	// Layout metadata captured at detection time.
	Position      string `json:"position,omitempty"`
	ZIndex        string `json:"z_index,omitempty"`
	PointerEvents string `json:"pointer_events,omitempty"`
	Opacity       string `json:"opacity,omitempty"`
}

// Incident is one detected anomaly. It is created once per perception pass and
// only its description may grow afterwards, before the action phase.
type Incident struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Type        IncidentType `json:"type"`
	Severity    Severity     `json:"severity"`
	Description string       `json:"description"`
	TargetURL   string       `json:"target_url"`

	// DOMSnapshot is the page HTML captured by perception, if any.
	DOMSnapshot string `json:"dom_snapshot,omitempty"`
	// ErrorText carries the raw failure messages of the failed flows.
	ErrorText string `json:"error_text,omitempty"`
	// BlockingElement is the element that intercepted pointer events, if known.
	BlockingElement *ElementLocator `json:"blocking_element,omitempty"`
	// Layout is the annotated subset of the DOM (positioned, stacked or
	// pointer-modified elements) captured with the snapshot.
	Layout []AnnotatedElement `json:"layout,omitempty"`
}

// Enrich appends a note to the incident description.
func (i *Incident) Enrich(note string) {
	note = strings.TrimSpace(note)
	if i == nil || note == "" {
		return
	}
	if i.Description == "" {
		i.Description = note
		return
	}
	i.Description = i.Description + "\n\n" + note
}
