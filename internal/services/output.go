package services

import (
	"bufio"
	"encoding/json"
	"strings"
	"time"

	"forma/internal/models"
)

// Marker-line prefixes. These are the whole contract between the untrusted
// interpreter and the host: tagged lines become log entries, the actions
// marker carries the serialized mutation queue, anything else is incidental
// print output and is ignored.
const (
	markerLog     = "[forma:log] "
	markerWarn    = "[forma:warn] "
	markerError   = "[forma:error] "
	markerActions = "[forma:actions] "
)

// parseScriptOutput extracts log entries and the queued mutation actions from
// raw stdout. Log timestamps are assigned here, host-side. The actions
// payload is the last matching marker line so data values cannot spoof it,
// and it defaults to empty on any parse failure: a script that queues nothing
// is a valid automation.
func parseScriptOutput(stdout string) ([]models.RunLogEntry, []MutationAction) {
	var (
		logs       []models.RunLogEntry
		actionsRaw string
	)

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, markerLog):
			logs = append(logs, logEntry("info", strings.TrimPrefix(line, markerLog)))
		case strings.HasPrefix(line, markerWarn):
			logs = append(logs, logEntry("warn", strings.TrimPrefix(line, markerWarn)))
		case strings.HasPrefix(line, markerError):
			logs = append(logs, logEntry("error", strings.TrimPrefix(line, markerError)))
		case strings.HasPrefix(line, markerActions):
			actionsRaw = strings.TrimPrefix(line, markerActions)
		}
	}

	var actions []MutationAction
	if actionsRaw != "" {
		if err := json.Unmarshal([]byte(actionsRaw), &actions); err != nil {
			actions = nil
		}
	}
	return logs, actions
}

func logEntry(level, message string) models.RunLogEntry {
	return models.RunLogEntry{Timestamp: time.Now().UTC(), Level: level, Message: message}
}
