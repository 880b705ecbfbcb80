package services

import (
	"strings"
	"testing"

	"forma/internal/bus"
	"forma/internal/models"

	"github.com/google/uuid"
)

func TestPyStringEscapesHostileText(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		never []string
	}{
		{"double quote", `he said "hi"`, []string{`said "hi`}},
		{"backslash", `C:\path\x`, nil},
		{"newline breakout", "line1\nprint('pwned')", []string{"\n"}},
		{"null byte", "a\x00b", []string{"\x00"}},
		{"triple quote", `"""`, []string{`"""`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := pyString(tc.in)
			if !strings.HasPrefix(out, `"`) || !strings.HasSuffix(out, `"`) {
				t.Fatalf("not a quoted literal: %q", out)
			}
			inner := out[1 : len(out)-1]
			if strings.Contains(inner, "\n") || strings.Contains(inner, "\x00") {
				t.Fatalf("raw control bytes leaked into literal: %q", out)
			}
			for _, bad := range tc.never {
				if strings.Contains(inner, bad) {
					t.Fatalf("unescaped %q in literal: %q", bad, out)
				}
			}
		})
	}
}

func TestComposeScriptManualContext(t *testing.T) {
	a := &models.Automation{ID: uuid.New(), Script: `log("hello")`}

	code, err := ComposeScript(a, nil, nil)
	if err != nil {
		t.Fatalf("ComposeScript: %v", err)
	}
	for _, want := range []string{
		`\"trigger\":\"manual\"`,
		`\"record_id\":null`,
		`\"previous\":null`,
		"def create_record",
		"def update_record",
		"def delete_record",
		`log("hello")`,
		markerActions,
	} {
		if !strings.Contains(code, want) {
			t.Fatalf("composed script missing %q:\n%s", want, code)
		}
	}
	// Mutation stubs only queue; the store must never be reachable from the
	// generated code.
	if strings.Contains(code, "import os") || strings.Contains(code, "import socket") {
		t.Fatal("bootstrap imports host-facing modules")
	}
}

func TestComposeScriptUpdateCarriesPrevious(t *testing.T) {
	fieldID := uuid.New()
	a := &models.Automation{ID: uuid.New(), Script: "pass"}
	evt := &bus.RecordEvent{
		Kind:     bus.EventRecordUpdated,
		RecordID: uuid.New(),
		Data:     map[string]interface{}{fieldID.String(): "new"},
		PrevData: map[string]interface{}{fieldID.String(): "old"},
	}
	fields := []models.FieldDef{{ID: fieldID, Name: "Title"}}

	code, err := ComposeScript(a, evt, fields)
	if err != nil {
		t.Fatalf("ComposeScript: %v", err)
	}
	for _, want := range []string{
		`\"trigger\":\"record_updated\"`,
		evt.RecordID.String(),
		`\"old\"`,
		`\"Title\":\"` + fieldID.String() + `\"`,
		`\"` + fieldID.String() + `\":\"Title\"`,
	} {
		if !strings.Contains(code, want) {
			t.Fatalf("composed script missing %q:\n%s", want, code)
		}
	}
}

func TestComposeScriptCreatedHasNoPrevious(t *testing.T) {
	a := &models.Automation{ID: uuid.New(), Script: "pass"}
	evt := &bus.RecordEvent{
		Kind:     bus.EventRecordCreated,
		RecordID: uuid.New(),
		Data:     map[string]interface{}{"x": 1},
	}
	code, err := ComposeScript(a, evt, nil)
	if err != nil {
		t.Fatalf("ComposeScript: %v", err)
	}
	if !strings.Contains(code, `\"previous\":null`) {
		t.Fatalf("previous payload should be null for non-update triggers:\n%s", code)
	}
}

func TestComposeScriptHostileFieldName(t *testing.T) {
	// A field name trying to break out of the generated string must stay data.
	a := &models.Automation{ID: uuid.New(), Script: "pass"}
	fields := []models.FieldDef{{ID: uuid.New(), Name: `") ; import os ; ("`}}

	code, err := ComposeScript(a, nil, fields)
	if err != nil {
		t.Fatalf("ComposeScript: %v", err)
	}
	if strings.Contains(code, "\n\") ; import os") {
		t.Fatal("field name escaped the string literal")
	}
}
