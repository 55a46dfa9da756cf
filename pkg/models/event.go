package models

import (
	"fmt"
	"strings"
)

var strokeLabels = map[Stroke]string{
	StrokeFree:   "Free",
	StrokeBack:   "Back",
	StrokeBreast: "Breast",
	StrokeFly:    "Fly",
	StrokeIM:     "IM",
	StrokeMedley: "Medley",
}

// EventLabel renders an event tuple in its canonical form, e.g. "200 Medley Relay SCY".
func EventLabel(e EventAttributes) string {
	if !e.IsResolved() {
		return e.Unresolved
	}
	parts := []string{fmt.Sprintf("%d", e.Distance), strokeLabels[e.Stroke]}
	if e.Relay {
		parts = append(parts, "Relay")
	}
	if e.Course != "" {
		parts = append(parts, string(e.Course))
	}
	return strings.Join(parts, " ")
}
