package wire

import "encoding/json"

// ProtocolVersion is the only wire version this daemon speaks. HELLO
// envelopes carrying any other version are refused during handshake.
const ProtocolVersion = 1

type MessageType string

const (
	TypeHello        MessageType = "HELLO"
	TypeWelcome      MessageType = "WELCOME"
	TypeSend         MessageType = "SEND"
	TypeDeliver      MessageType = "DELIVER"
	TypeAck          MessageType = "ACK"
	TypeNack         MessageType = "NACK"
	TypePing         MessageType = "PING"
	TypePong         MessageType = "PONG"
	TypeError        MessageType = "ERROR"
	TypeBusy         MessageType = "BUSY"
	TypeResume       MessageType = "RESUME"
	TypeBye          MessageType = "BYE"
	TypeSyncSnapshot MessageType = "SYNC_SNAPSHOT"
	TypeSyncDelta    MessageType = "SYNC_DELTA"
	TypeSubscribe    MessageType = "SUBSCRIBE"
	TypeUnsubscribe  MessageType = "UNSUBSCRIBE"
	TypeShadowBind   MessageType = "SHADOW_BIND"
	TypeShadowUnbind MessageType = "SHADOW_UNBIND"
	TypeLog          MessageType = "LOG"

	// legacySync is accepted on decode for pre-split peers and is
	// normalized to TypeSyncSnapshot.
	legacySync MessageType = "SYNC"
)

func knownType(t MessageType) bool {
	switch t {
	case TypeHello, TypeWelcome, TypeSend, TypeDeliver, TypeAck, TypeNack,
		TypePing, TypePong, TypeError, TypeBusy, TypeResume, TypeBye,
		TypeSyncSnapshot, TypeSyncDelta, TypeSubscribe, TypeUnsubscribe,
		TypeShadowBind, TypeShadowUnbind, TypeLog:
		return true
	default:
		return false
	}
}

// BroadcastTo is the reserved addressing target that fans a SEND out to
// every other active session.
const BroadcastTo = "*"

// Envelope is the versioned wrapper for every frame on the relay socket.
// Payload stays raw until DecodePayload resolves it against Type.
type Envelope struct {
	V       int             `json:"v"`
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Capabilities struct {
	Ack            bool `json:"ack"`
	Resume         bool `json:"resume"`
	MaxInflight    int  `json:"max_inflight"`
	SupportsTopics bool `json:"supports_topics"`
}

type HelloSession struct {
	ResumeToken string `json:"resume_token,omitempty"`
}

type HelloPayload struct {
	Agent        string        `json:"agent"`
	Capabilities *Capabilities `json:"capabilities"`
	CLI          string        `json:"cli,omitempty"`
	Model        string        `json:"model,omitempty"`
	Task         string        `json:"task,omitempty"`
	Session      *HelloSession `json:"session,omitempty"`
}

type ServerInfo struct {
	MaxFrameBytes int `json:"max_frame_bytes"`
	HeartbeatMS   int `json:"heartbeat_ms"`
}

type WelcomePayload struct {
	SessionID   string       `json:"session_id"`
	ResumeToken string       `json:"resume_token,omitempty"`
	Server      ServerInfo   `json:"server"`
	Resumed     bool         `json:"resumed,omitempty"`
	Caps        Capabilities `json:"capabilities"`
}

type SendKind string

const (
	KindMessage  SendKind = "message"
	KindAction   SendKind = "action"
	KindState    SendKind = "state"
	KindThinking SendKind = "thinking"
)

type PayloadMeta struct {
	RequiresAck bool   `json:"requires_ack,omitempty"`
	TTLMS       int64  `json:"ttl_ms,omitempty"`
	Importance  string `json:"importance,omitempty"`
	ReplyTo     string `json:"replyTo,omitempty"`
}

type SendPayload struct {
	Kind   SendKind        `json:"kind"`
	Body   string          `json:"body"`
	Data   json.RawMessage `json:"data,omitempty"`
	Thread string          `json:"thread,omitempty"`
	Meta   *PayloadMeta    `json:"payload_meta,omitempty"`
}

type DeliveryInfo struct {
	Seq        int64  `json:"seq"`
	SessionID  string `json:"session_id"`
	OriginalTo string `json:"originalTo"`
}

type DeliverPayload struct {
	Kind     SendKind        `json:"kind"`
	Body     string          `json:"body"`
	Data     json.RawMessage `json:"data,omitempty"`
	Thread   string          `json:"thread,omitempty"`
	Meta     *PayloadMeta    `json:"payload_meta,omitempty"`
	Delivery DeliveryInfo    `json:"delivery"`
}

type AckPayload struct {
	AckID         string  `json:"ack_id"`
	Seq           int64   `json:"seq,omitempty"`
	CumulativeSeq int64   `json:"cumulative_seq,omitempty"`
	Sack          []int64 `json:"sack,omitempty"`
}

type NackCode string

const (
	NackBusy      NackCode = "BUSY"
	NackInvalid   NackCode = "INVALID"
	NackForbidden NackCode = "FORBIDDEN"
	NackStale     NackCode = "STALE"
)

type NackPayload struct {
	AckID  string   `json:"ack_id"`
	Seq    int64    `json:"seq"`
	Code   NackCode `json:"code"`
	Reason string   `json:"reason,omitempty"`
}

type PingPayload struct {
	Nonce string `json:"nonce"`
}

type PongPayload struct {
	Nonce string `json:"nonce"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
	Fatal   bool      `json:"fatal,omitempty"`
}

type BusyPayload struct {
	RetryAfterMS int64 `json:"retry_after_ms"`
	QueueDepth   int   `json:"queue_depth"`
}

type ResumePayload struct {
	ResumeToken  string `json:"resume_token"`
	LastAckedSeq int64  `json:"last_acked_seq"`
}

type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}

// SyncSnapshotPayload carries the server's full view of a session's
// sequencing state, sent once at resume time before any replayed DELIVERs.
type SyncSnapshotPayload struct {
	SessionID    string `json:"session_id"`
	LastSeq      int64  `json:"last_seq"`
	LastAckedSeq int64  `json:"last_acked_seq"`
}

// SyncDeltaPayload announces the contiguous range of seqs about to be
// replayed so the client can detect gaps.
type SyncDeltaPayload struct {
	SessionID string `json:"session_id"`
	FromSeq   int64  `json:"from_seq"`
	ToSeq     int64  `json:"to_seq"`
	Count     int    `json:"count"`
}

type SubscribePayload struct {
	Topics []string `json:"topics"`
}

type UnsubscribePayload struct {
	Topics []string `json:"topics"`
}

type ShadowBindPayload struct {
	ShadowOf string   `json:"shadow_of"`
	SpeakOn  []string `json:"speak_on,omitempty"`
}

type ShadowUnbindPayload struct {
	ShadowOf string `json:"shadow_of"`
}

type LogPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}
