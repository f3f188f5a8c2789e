// Package merge turns a stored conflict into editable text, a line diff and
// the resolution payload that settles it.
package merge

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/conflict"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/store"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

const (
	localHeading  = "LOCAL"
	remoteHeading = "REMOTE"
)

// Sources are the two texts offered for merging. Field is empty when the
// texts are whole payloads.
type Sources struct {
	Field      string `json:"field,omitempty"`
	Source     string `json:"source"`
	LocalText  string `json:"local_text"`
	RemoteText string `json:"remote_text"`
}

// TextSources extracts the entity's mergeable text field from both payloads.
// When the type has no such field, or neither payload carries it as text,
// both sides fall back to pretty-printed JSON.
func TextSources(record store.Conflict) Sources {
	field := conflict.MergeField(syncmodel.EntityType(record.EntityType))
	if field != "" {
		local, localOK := textField(record.LocalPayloadJSON, field)
		remote, remoteOK := textField(record.RemotePayloadJSON, field)
		if localOK || remoteOK {
			return Sources{Field: field, Source: store.MergeSourceField, LocalText: local, RemoteText: remote}
		}
	}
	return Sources{
		Source:     store.MergeSourceJSON,
		LocalText:  prettyJSON(record.LocalPayloadJSON),
		RemoteText: prettyJSON(record.RemotePayloadJSON),
	}
}

// InitialText seeds the editor with both sides under labeled headings.
func InitialText(sources Sources) string {
	var builder strings.Builder
	builder.WriteString(localHeading)
	builder.WriteString("\n")
	builder.WriteString(sources.LocalText)
	builder.WriteString("\n\n")
	builder.WriteString(remoteHeading)
	builder.WriteString("\n")
	builder.WriteString(sources.RemoteText)
	return builder.String()
}

// Resolution is the value submitted to settle a conflict.
type Resolution struct {
	MergedText   string `json:"merged_text"`
	ConflictType string `json:"conflict_type"`
	Source       string `json:"source"`
}

// ResolutionPayload trims the merged text and tags it with the conflict type.
// Blank input yields an empty merged text.
func ResolutionPayload(record store.Conflict, mergedText, source string) Resolution {
	return Resolution{
		MergedText:   strings.TrimSpace(mergedText),
		ConflictType: record.ConflictType,
		Source:       source,
	}
}

// ResolveRequest builds the store request that applies resolution.
func (r Resolution) ResolveRequest(conflictID, deviceID string) store.ResolveRequest {
	return store.ResolveRequest{
		ConflictID:  conflictID,
		Strategy:    string(store.StrategyManualMerge),
		DeviceID:    deviceID,
		MergedText:  r.MergedText,
		MergeSource: r.Source,
	}
}

func textField(payload, field string) (string, bool) {
	if !gjson.Valid(payload) {
		return "", false
	}
	value := gjson.Get(payload, field)
	if value.Type != gjson.String {
		return "", false
	}
	return value.String(), true
}

func prettyJSON(payload string) string {
	var buffer bytes.Buffer
	if err := json.Indent(&buffer, []byte(payload), "", "  "); err != nil {
		return payload
	}
	return buffer.String()
}
