package policy

import (
	"encoding/json"
	"testing"
)

func validTerms() Terms {
	return Terms{
		TransactionID: "DTX-42",
		AssetID:       "AST-001",
		Assigner:      "ORG-002",
		Assignee:      "ORG-001",
		Action:        ActionRead,
		DurationDays:  365,
	}
}

func TestSynthesize(t *testing.T) {
	doc, err := Synthesize(validTerms())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if doc.Type != "Agreement" {
		t.Errorf("expected Agreement, got %q", doc.Type)
	}
	if doc.UID != "urn:policy:DTX-42" {
		t.Errorf("unexpected uid %q", doc.UID)
	}
	if len(doc.Permission) != 1 {
		t.Fatalf("expected one permission, got %d", len(doc.Permission))
	}

	perm := doc.Permission[0]
	if perm.Target != "urn:asset:AST-001" {
		t.Errorf("unexpected target %q", perm.Target)
	}
	if perm.Assigner != "ORG-002" || perm.Assignee != "ORG-001" {
		t.Errorf("parties wrong: assigner=%q assignee=%q", perm.Assigner, perm.Assignee)
	}
	if perm.Action != ActionRead {
		t.Errorf("unexpected action %q", perm.Action)
	}
	if len(perm.Constraints) != 1 {
		t.Fatalf("expected one constraint, got %d", len(perm.Constraints))
	}
	c := perm.Constraints[0]
	if c.LeftOperand != "elapsedTime" || c.Operator != "lteq" || c.RightOperand != "P365D" {
		t.Errorf("unexpected constraint %+v", c)
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	first, err := Synthesize(validTerms())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	second, err := Synthesize(validTerms())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	a, _ := first.Marshal()
	b, _ := second.Marshal()
	if a != b {
		t.Fatalf("same terms produced different documents:\n%s\n%s", a, b)
	}
}

func TestSynthesizeRejectsBadTerms(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Terms)
		field  string
	}{
		{"unknown action", func(tm *Terms) { tm.Action = "resell" }, "action"},
		{"empty action", func(tm *Terms) { tm.Action = "" }, "action"},
		{"zero duration", func(tm *Terms) { tm.DurationDays = 0 }, "duration_days"},
		{"negative duration", func(tm *Terms) { tm.DurationDays = -7 }, "duration_days"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			terms := validTerms()
			tc.mutate(&terms)
			_, err := Synthesize(terms)
			if err == nil {
				t.Fatal("expected synthesis to fail")
			}
			synthErr, ok := err.(*SynthesisError)
			if !ok {
				t.Fatalf("expected SynthesisError, got %T", err)
			}
			if synthErr.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, synthErr.Field)
			}
		})
	}
}

func TestMarshalIsValidJSON(t *testing.T) {
	doc, err := Synthesize(validTerms())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	raw, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("stored document is not valid JSON: %v", err)
	}
	if decoded["@context"] != "http://www.w3.org/ns/odrl.jsonld" {
		t.Errorf("unexpected @context %v", decoded["@context"])
	}
}
