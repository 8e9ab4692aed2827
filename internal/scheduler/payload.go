package scheduler

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// PayloadData is what payload templates can reference.
type PayloadData struct {
	EntryID     string
	ScheduledAt string
	FiredAt     string
}

// RenderPayload executes tmpl. An empty template yields a nil payload.
func RenderPayload(tmpl, entryID string, scheduledAt, firedAt time.Time) ([]byte, error) {
	if strings.TrimSpace(tmpl) == "" {
		return nil, nil
	}
	t, err := template.New(entryID).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("payload template: %w", err)
	}
	var buf bytes.Buffer
	err = t.Execute(&buf, PayloadData{
		EntryID:     entryID,
		ScheduledAt: scheduledAt.UTC().Format(time.RFC3339),
		FiredAt:     firedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("payload template: %w", err)
	}
	return buf.Bytes(), nil
}
