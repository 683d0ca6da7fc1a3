package protocol

import "time"

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureStatus is the reply to a capture control request.
type CaptureStatus struct {
	Recording bool   `json:"recording"`
	Status    string `json:"status"`
}

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnouncement is published once when a node joins the bus.
type NodeAnnouncement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Recording bool      `json:"recording"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectCaptureStart      = "ctrl.capture.start"
	SubjectCaptureStop       = "ctrl.capture.stop"
	SubjectNodeAnnounce      = "ctrl.node.announce"
)

func HeartbeatSubject(nodeID string) string {
	return "ctrl.node.heartbeat." + nodeID
}
