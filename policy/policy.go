// Package policy builds machine-readable usage-rights documents from a
// transaction's commercial terms, following the ODRL vocabulary for
// permissions and constraints.
package policy

import (
	"encoding/json"
	"fmt"
)

// Permitted actions.
const (
	ActionRead       = "read"
	ActionDistribute = "distribute"
)

// SynthesisError reports malformed commercial terms. It is a local
// validation failure and is never retried automatically.
type SynthesisError struct {
	Field  string
	Reason string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("policy synthesis: %s: %s", e.Field, e.Reason)
}

// Terms are the commercial terms a policy is derived from.
type Terms struct {
	TransactionID string
	AssetID       string
	Assigner      string // subject organization
	Assignee      string // consumer organization
	Action        string
	DurationDays  int
}

// Constraint bounds a permission, e.g. elapsed time since grant.
type Constraint struct {
	LeftOperand  string `json:"leftOperand"`
	Operator     string `json:"operator"`
	RightOperand string `json:"rightOperand"`
}

// Permission grants one action under zero or more constraints.
type Permission struct {
	Target      string       `json:"target"`
	Assigner    string       `json:"assigner"`
	Assignee    string       `json:"assignee"`
	Action      string       `json:"action"`
	Constraints []Constraint `json:"constraint"`
}

// Document is an ODRL-style agreement. Synthesis is deterministic: the
// same terms always produce a structurally equivalent document.
type Document struct {
	Context    string       `json:"@context"`
	Type       string       `json:"@type"`
	UID        string       `json:"uid"`
	Permission []Permission `json:"permission"`
}

// Marshal renders the document as compact JSON for storage.
func (d *Document) Marshal() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Synthesize builds the usage-rights document for the given terms. The
// duration constraint bounds access to at most DurationDays days from the
// moment of grant.
func Synthesize(terms Terms) (*Document, error) {
	switch terms.Action {
	case ActionRead, ActionDistribute:
	default:
		return nil, &SynthesisError{
			Field:  "action",
			Reason: fmt.Sprintf("unrecognized action %q", terms.Action),
		}
	}
	if terms.DurationDays <= 0 {
		return nil, &SynthesisError{
			Field:  "duration_days",
			Reason: fmt.Sprintf("must be positive, got %d", terms.DurationDays),
		}
	}

	return &Document{
		Context: "http://www.w3.org/ns/odrl.jsonld",
		Type:    "Agreement",
		UID:     fmt.Sprintf("urn:policy:%s", terms.TransactionID),
		Permission: []Permission{
			{
				Target:   fmt.Sprintf("urn:asset:%s", terms.AssetID),
				Assigner: terms.Assigner,
				Assignee: terms.Assignee,
				Action:   terms.Action,
				Constraints: []Constraint{
					{
						LeftOperand:  "elapsedTime",
						Operator:     "lteq",
						RightOperand: fmt.Sprintf("P%dD", terms.DurationDays),
					},
				},
			},
		},
	}, nil
}
