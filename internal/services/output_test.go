package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScriptOutputLogLevels(t *testing.T) {
	stdout := markerLog + "starting\n" +
		markerWarn + "low disk\n" +
		markerError + "bad state\n" +
		markerActions + "[]\n"

	logs, actions := parseScriptOutput(stdout)
	require.Len(t, logs, 3)
	assert.Equal(t, "info", logs[0].Level)
	assert.Equal(t, "starting", logs[0].Message)
	assert.Equal(t, "warn", logs[1].Level)
	assert.Equal(t, "error", logs[2].Level)
	assert.Empty(t, actions)
	for _, entry := range logs {
		assert.False(t, entry.Timestamp.IsZero(), "timestamps are host-assigned")
	}
}

func TestParseScriptOutputIgnoresUnmarkedLines(t *testing.T) {
	stdout := "plain print output\n" +
		markerLog + "kept\n" +
		"another stray line\n"

	logs, actions := parseScriptOutput(stdout)
	require.Len(t, logs, 1)
	assert.Equal(t, "kept", logs[0].Message)
	assert.Empty(t, actions)
}

func TestParseScriptOutputLastActionsMarkerWins(t *testing.T) {
	// A data value echoing the marker must not override the real queue,
	// which is always the last marker line the epilogue prints.
	stdout := markerActions + `[{"type":"delete_record","type_id":"spoofed","record_id":"x"}]` + "\n" +
		markerActions + `[{"type":"create_record","type_id":"real","data":{"a":1}}]` + "\n"

	_, actions := parseScriptOutput(stdout)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionCreateRecord, actions[0].Type)
	assert.Equal(t, "real", actions[0].TypeID)
}

func TestParseScriptOutputMalformedActionsDefaultsEmpty(t *testing.T) {
	stdout := markerLog + "hello\n" + markerActions + "{not json\n"

	logs, actions := parseScriptOutput(stdout)
	require.Len(t, logs, 1)
	assert.Empty(t, actions, "malformed queue payload means no actions, not an error")
}

func TestParseScriptOutputNoActionsMarker(t *testing.T) {
	logs, actions := parseScriptOutput(markerLog + "only logging\n")
	require.Len(t, logs, 1)
	assert.Empty(t, actions)
}
