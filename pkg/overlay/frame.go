// Package overlay multiplexes classified bus traffic out to browser
// overlay clients over a single WebSocket. On connect each client gets a
// per-layer state sync, then a sequenced live stream until disconnect.
package overlay

import "time"

// The fixed layer set. Every frame type is "<layer>:<verb>".
const (
	LayerBase          = "base"
	LayerTimeline      = "timeline"
	LayerTicker        = "ticker"
	LayerAlerts        = "alerts"
	LayerOBS           = "obs"
	LayerAudioRME      = "audio:rme"
	LayerAudioChannels = "audio:channels"
	LayerCampaign      = "campaign"
	LayerLimitbreak    = "limitbreak"
	LayerMusic         = "music"
	LayerStatus        = "status"
	LayerFFBot         = "ffbot"
	LayerChat          = "chat"
)

// Frame is the wire format for every outgoing overlay message. Sequence
// starts at 0 and increases by one per delivered frame on a connection, so
// clients can detect drops and reconnect.
type Frame struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// outbound is a classified frame before sequencing.
type outbound struct {
	Type    string
	Payload any
}
