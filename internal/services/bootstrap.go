package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"forma/internal/bus"
	"forma/internal/models"
)

// The bootstrap is prepended to every user script. It establishes the event
// context, the field-name/id lookup tables, the mutation-action queue, and the
// host-call stubs. Mutation helpers only queue; nothing inside the sandbox
// touches the store. The epilogue after the user script serializes the queue
// behind the actions marker.
const bootstrapStubs = `_actions = []

def create_record(type_id, data):
    _actions.append({"type": "create_record", "type_id": str(type_id), "data": data})

def update_record(type_id, record_id, data):
    _actions.append({"type": "update_record", "type_id": str(type_id), "record_id": str(record_id), "data": data})

def delete_record(type_id, record_id):
    _actions.append({"type": "delete_record", "type_id": str(type_id), "record_id": str(record_id)})

def _emit(prefix, args):
    print(prefix + " ".join(str(a) for a in args))

def log(*args):
    _emit("` + markerLog + `", args)

def warn(*args):
    _emit("` + markerWarn + `", args)

def error(*args):
    _emit("` + markerError + `", args)
`

const bootstrapEpilogue = `
print("` + markerActions + `" + _json.dumps(_actions))
`

// ComposeScript builds the full program handed to the sandbox: bootstrap,
// user script, epilogue. evt is nil for manual invocation, in which case the
// context carries trigger "manual", an empty record and no record id.
func ComposeScript(a *models.Automation, evt *bus.RecordEvent, fields []models.FieldDef) (string, error) {
	eventCtx := map[string]interface{}{
		"trigger":   models.TriggerManual,
		"record_id": nil,
		"data":      map[string]interface{}{},
		"previous":  nil,
	}
	if evt != nil {
		eventCtx["trigger"] = evt.Kind
		eventCtx["record_id"] = evt.RecordID.String()
		if evt.Data != nil {
			eventCtx["data"] = evt.Data
		}
		// Previous payload only exists for updates.
		if evt.Kind == bus.EventRecordUpdated && evt.PrevData != nil {
			eventCtx["previous"] = evt.PrevData
		}
	}

	byName := make(map[string]interface{}, len(fields))
	byID := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		byName[f.Name] = f.ID.String()
		byID[f.ID.String()] = f.Name
	}

	eventPy, err := pyValue(eventCtx)
	if err != nil {
		return "", fmt.Errorf("encode event context: %w", err)
	}
	fieldsPy, err := pyValue(byName)
	if err != nil {
		return "", fmt.Errorf("encode field table: %w", err)
	}
	namesPy, err := pyValue(byID)
	if err != nil {
		return "", fmt.Errorf("encode field name table: %w", err)
	}

	var b strings.Builder
	b.WriteString("import json as _json\n\n")
	b.WriteString("event = " + eventPy + "\n")
	b.WriteString("fields = " + fieldsPy + "\n")
	b.WriteString("field_names = " + namesPy + "\n\n")
	b.WriteString(bootstrapStubs)
	b.WriteString("\n")
	b.WriteString(a.Script)
	b.WriteString("\n")
	b.WriteString(bootstrapEpilogue)
	return b.String(), nil
}

// pyValue renders v as a python expression via a JSON round trip inside the
// interpreter, so host data never becomes python syntax directly.
func pyValue(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return "_json.loads(" + pyString(string(raw)) + ")", nil
}

// pyString is the single place host text is escaped into generated source.
// strconv.Quote's escape set (backslash, quotes, control bytes as \xNN/\uNNNN)
// is a subset of python string-literal escapes, so the quoted form is a valid
// python literal for the same text.
func pyString(s string) string {
	return strconv.Quote(s)
}
