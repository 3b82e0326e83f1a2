package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewEnvelope builds an outgoing envelope of the given type, marshalling
// payload immediately so construction errors surface at the call site
// rather than at write time.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		V:       ProtocolVersion,
		Type:    t,
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Payload: raw,
	}, nil
}

// MustEnvelope is NewEnvelope for payload structs defined in this package,
// whose marshalling cannot fail.
func MustEnvelope(t MessageType, payload any) *Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses and validates one wire frame. The legacy SYNC type is
// rewritten to SYNC_SNAPSHOT; everything else malformed is a BAD_REQUEST
// protocol error, never a silent drop.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, BadRequest("malformed envelope: %v", err)
	}
	if env.Type == legacySync {
		env.Type = TypeSyncSnapshot
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope header and the payload shape for its type.
func (e *Envelope) Validate() error {
	if e.V != ProtocolVersion {
		return BadRequest("unsupported protocol version %d", e.V)
	}
	if !knownType(e.Type) {
		return BadRequest("unknown message type %q", e.Type)
	}
	if e.ID == "" {
		return BadRequest("envelope missing id")
	}
	_, err := e.DecodePayload()
	return err
}

// DecodePayload resolves the raw payload against the envelope type,
// returning the concrete payload struct for known-payload types. Types
// with no payload return nil.
func (e *Envelope) DecodePayload() (any, error) {
	switch e.Type {
	case TypeHello:
		var p HelloPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.Agent == "" {
			return nil, BadRequest("HELLO missing agent")
		}
		if p.Capabilities == nil {
			return nil, BadRequest("HELLO missing capabilities")
		}
		return &p, nil
	case TypeWelcome:
		var p WelcomePayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, BadRequest("WELCOME missing session_id")
		}
		return &p, nil
	case TypeSend:
		var p SendPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if err := validateSendKind(p.Kind); err != nil {
			return nil, err
		}
		if p.Body == "" {
			return nil, BadRequest("SEND missing body")
		}
		return &p, nil
	case TypeDeliver:
		var p DeliverPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if err := validateSendKind(p.Kind); err != nil {
			return nil, err
		}
		if p.Delivery.Seq <= 0 {
			return nil, BadRequest("DELIVER missing delivery seq")
		}
		return &p, nil
	case TypeAck:
		var p AckPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.Seq <= 0 && p.CumulativeSeq <= 0 && len(p.Sack) == 0 {
			return nil, BadRequest("ACK must carry seq, cumulative_seq, or sack")
		}
		return &p, nil
	case TypeNack:
		var p NackPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		switch p.Code {
		case NackBusy, NackInvalid, NackForbidden, NackStale:
		default:
			return nil, BadRequest("NACK unknown code %q", p.Code)
		}
		return &p, nil
	case TypePing:
		var p PingPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypePong:
		var p PongPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeError:
		var p ErrorPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.Code == "" {
			return nil, BadRequest("ERROR missing code")
		}
		return &p, nil
	case TypeBusy:
		var p BusyPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeResume:
		var p ResumePayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.ResumeToken == "" {
			return nil, BadRequest("RESUME missing resume_token")
		}
		return &p, nil
	case TypeBye:
		var p ByePayload
		if err := e.unmarshalOptional(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeSyncSnapshot:
		var p SyncSnapshotPayload
		if err := e.unmarshalOptional(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeSyncDelta:
		var p SyncDeltaPayload
		if err := e.unmarshalOptional(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeSubscribe:
		var p SubscribePayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if len(p.Topics) == 0 {
			return nil, BadRequest("SUBSCRIBE missing topics")
		}
		return &p, nil
	case TypeUnsubscribe:
		var p UnsubscribePayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if len(p.Topics) == 0 {
			return nil, BadRequest("UNSUBSCRIBE missing topics")
		}
		return &p, nil
	case TypeShadowBind:
		var p ShadowBindPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.ShadowOf == "" {
			return nil, BadRequest("SHADOW_BIND missing shadow_of")
		}
		return &p, nil
	case TypeShadowUnbind:
		var p ShadowUnbindPayload
		if err := e.unmarshalOptional(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeLog:
		var p LogPayload
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, BadRequest("unknown message type %q", e.Type)
	}
}

func (e *Envelope) unmarshalPayload(dst any) error {
	if len(e.Payload) == 0 {
		return BadRequest("%s missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return BadRequest("%s payload: %v", e.Type, err)
	}
	return nil
}

// unmarshalOptional is unmarshalPayload for types whose payload may be
// omitted entirely.
func (e *Envelope) unmarshalOptional(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return BadRequest("%s payload: %v", e.Type, err)
	}
	return nil
}

func validateSendKind(k SendKind) error {
	switch k {
	case KindMessage, KindAction, KindState, KindThinking:
		return nil
	default:
		return BadRequest("unknown send kind %q", k)
	}
}
