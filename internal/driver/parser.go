package driver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/whatsthattune/clipworks/internal/progress"
)

// progressPrefix marks machine-readable lines on the child's stdout.
// Everything else on stdout is treated as free-form output.
const progressPrefix = "PROGRESS: "

// ParseLine extracts a progress event from one stdout line. The second
// return is false for lines without the progress prefix; an error means
// the line claimed to be a progress report but could not be decoded or
// failed validation.
func ParseLine(line string) (progress.Event, bool, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !ok {
		return progress.Event{}, false, nil
	}
	var evt progress.Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &evt); err != nil {
		return progress.Event{}, true, fmt.Errorf("decode progress line: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return progress.Event{}, true, fmt.Errorf("invalid progress event: %w", err)
	}
	return evt, true, nil
}
