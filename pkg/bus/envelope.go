package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Member identifies the viewer an event is attributed to, when known.
type Member struct {
	ID          string `json:"id,omitempty"`
	TwitchID    string `json:"twitch_id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Pronouns    string `json:"pronouns,omitempty"`
}

// Envelope is the wire format shared by every channel. Payload stays raw
// JSON so consumers decode only the event types they care about.
type Envelope struct {
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Member    *Member         `json:"member,omitempty"`

	// CommunityGift carries the batch ID stamped onto community-gift
	// envelopes so consumers can correlate the per-recipient copies.
	CommunityGift string `json:"community_gift_id,omitempty"`
}

// NewEnvelope builds an envelope for an internally produced event, minting
// an event ID and stamping the current time.
func NewEnvelope(source, eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventType: eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		EventID:   uuid.NewString(),
	}, nil
}

// UnmarshalJSON tolerates producers that publish the payload under "data"
// instead of "payload". When both are present, "payload" wins.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	type alias Envelope
	aux := struct {
		*alias
		Data json.RawMessage `json:"data,omitempty"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if len(e.Payload) == 0 && len(aux.Data) > 0 {
		e.Payload = aux.Data
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// PayloadString extracts a top-level string field from the payload.
// Returns false when the payload is empty, malformed, or the field is
// absent or not a string.
func (e Envelope) PayloadString(key string) (string, bool) {
	if len(e.Payload) == 0 {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// CommunityGiftID returns the community gift batch ID, preferring the
// top-level stamp and falling back to the payload field carried by
// individual sub_gift copies. Empty for standalone gifts.
func (e Envelope) CommunityGiftID() string {
	if e.CommunityGift != "" {
		return e.CommunityGift
	}
	id, _ := e.PayloadString("community_gift_id")
	return id
}
