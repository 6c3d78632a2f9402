package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageRecord is a messages-table row as emitted by database change
// streams (LISTEN/NOTIFY payloads, realtime postgres_changes records).
// Hosted tables use bigint keys, so ids may arrive as JSON numbers.
type MessageRecord struct {
	ID             flexID          `json:"id"`
	ConversationID flexID          `json:"conversation_id"`
	Sender         string          `json:"sender_kind"`
	Body           string          `json:"body"`
	CreatedAt      string          `json:"created_at"`
	Media          json.RawMessage `json:"media"`
	Read           bool            `json:"is_read"`
}

// DecodeMessageRecord parses a row record into a feed event. It does not
// validate routing fields; the router does that.
func DecodeMessageRecord(raw []byte) (MessageEvent, error) {
	var rec MessageRecord
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return MessageEvent{}, fmt.Errorf("decode message record: %w", err)
	}

	event := MessageEvent{
		ID:             string(rec.ID),
		ConversationID: string(rec.ConversationID),
		Sender:         SenderKind(rec.Sender),
		Body:           rec.Body,
		MediaRefs:      ParseMediaRefs(mediaText(rec.Media)),
	}
	if stamp := strings.TrimSpace(rec.CreatedAt); stamp != "" {
		ts, err := parseRecordTime(stamp)
		if err != nil {
			return MessageEvent{}, fmt.Errorf("decode message record %s: %w", event.ID, err)
		}
		event.Timestamp = ts
	}
	return event, nil
}

// Postgres renders timestamptz in row_to_json with a space or a T separator
// and variable fractional digits.
var recordTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
}

func parseRecordTime(raw string) (time.Time, error) {
	for _, layout := range recordTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func mediaText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	// A json/jsonb column arrives as the array itself.
	return string(raw)
}

// flexID accepts a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}
