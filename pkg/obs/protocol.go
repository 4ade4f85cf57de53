// Package obs maintains the long-lived connection to the scene compositor
// (obs-websocket protocol v5): identify handshake, request/response
// correlation, event fan-out to the bus, and a skipped-frames monitor.
package obs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// obs-websocket v5 opcodes.
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opEvent           = 5
	opRequest         = 6
	opRequestResponse = 7
)

// rpcVersion is the only protocol revision obs-websocket v5 speaks.
const rpcVersion = 1

// eventSubscriptionsAll is every low-volume event category. High-volume
// categories (input volume meters) stay off; the mixer is watched over OSC.
const eventSubscriptionsAll = (1 << 11) - 1

// message is the v5 envelope: an opcode plus an op-specific body.
type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloBody struct {
	OBSWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type identifyBody struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type eventBody struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
}

type requestBody struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type requestResponseBody struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment,omitempty"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

// authResponse computes the v5 challenge answer:
// base64(sha256(base64(sha256(password + salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	encoded := base64.StdEncoding.EncodeToString(secret[:])
	answer := sha256.Sum256([]byte(encoded + challenge))
	return base64.StdEncoding.EncodeToString(answer[:])
}
