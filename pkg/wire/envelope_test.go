package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeHello(t *testing.T) {
	data := []byte(`{"v":1,"type":"HELLO","id":"m1","ts":1700000000000,"payload":{"agent":"Lead","capabilities":{"ack":true,"resume":true,"max_inflight":5,"supports_topics":false}}}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != TypeHello {
		t.Errorf("expected type HELLO, got %q", env.Type)
	}

	payload, err := env.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	hello, ok := payload.(*HelloPayload)
	if !ok {
		t.Fatalf("expected *HelloPayload, got %T", payload)
	}
	if hello.Agent != "Lead" {
		t.Errorf("expected agent Lead, got %q", hello.Agent)
	}
	if hello.Capabilities.MaxInflight != 5 {
		t.Errorf("expected max_inflight 5, got %d", hello.Capabilities.MaxInflight)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{nope`},
		{"bad version", `{"v":99,"type":"PING","id":"m1","payload":{"nonce":"n"}}`},
		{"unknown type", `{"v":1,"type":"TELEPORT","id":"m1"}`},
		{"missing id", `{"v":1,"type":"PING","payload":{"nonce":"n"}}`},
		{"hello without capabilities", `{"v":1,"type":"HELLO","id":"m1","payload":{"agent":"Lead"}}`},
		{"send without body", `{"v":1,"type":"SEND","id":"m1","payload":{"kind":"message"}}`},
		{"send bad kind", `{"v":1,"type":"SEND","id":"m1","payload":{"kind":"poetry","body":"hi"}}`},
		{"nack bad code", `{"v":1,"type":"NACK","id":"m1","payload":{"ack_id":"a","seq":1,"code":"NOPE"}}`},
		{"ack without seq", `{"v":1,"type":"ACK","id":"m1","payload":{"ack_id":"a"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if err == nil {
				t.Fatal("expected decode error")
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProtocolError, got %T", err)
			}
			if pe.Code != CodeBadRequest {
				t.Errorf("expected BAD_REQUEST, got %q", pe.Code)
			}
		})
	}
}

// Legacy SYNC frames decode as SYNC_SNAPSHOT. The original protocol never
// pinned down whether SYNC could also mean a delta; we normalize to
// snapshot and rely on SYNC_DELTA being explicit.
func TestDecodeLegacySyncAlias(t *testing.T) {
	data := []byte(`{"v":1,"type":"SYNC","id":"m1","payload":{"session_id":"s1","last_seq":7,"last_acked_seq":4}}`)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != TypeSyncSnapshot {
		t.Errorf("expected SYNC to normalize to SYNC_SNAPSHOT, got %q", env.Type)
	}

	payload, err := env.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	snap := payload.(*SyncSnapshotPayload)
	if snap.LastSeq != 7 || snap.LastAckedSeq != 4 {
		t.Errorf("unexpected snapshot payload: %+v", snap)
	}
}

func TestDecodeSendKinds(t *testing.T) {
	for _, kind := range []SendKind{KindMessage, KindAction, KindState, KindThinking} {
		data := `{"v":1,"type":"SEND","id":"m1","to":"Worker1","payload":{"kind":"` + string(kind) + `","body":"hi"}}`
		env, err := Decode([]byte(data))
		if err != nil {
			t.Fatalf("kind %s: %v", kind, err)
		}
		if env.To != "Worker1" {
			t.Errorf("expected to Worker1, got %q", env.To)
		}
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypePing, PingPayload{Nonce: "abc"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.V != ProtocolVersion {
		t.Errorf("expected version %d, got %d", ProtocolVersion, env.V)
	}
	if env.ID == "" {
		t.Error("expected generated envelope id")
	}
	if env.TS == 0 {
		t.Error("expected timestamp to be set")
	}

	// Round-trip through the frame form.
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	payload, err := decoded.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.(*PingPayload).Nonce != "abc" {
		t.Errorf("nonce lost in round trip")
	}
}

func TestDecodeByeWithoutPayload(t *testing.T) {
	env, err := Decode([]byte(`{"v":1,"type":"BYE","id":"m1"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, err := env.DecodePayload(); err != nil {
		t.Errorf("BYE without payload should be valid: %v", err)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	var buf strings.Builder
	pipe := &rwPipe{w: &buf}
	codec := NewCodec(pipe, 0)

	out := MustEnvelope(TypeSend, SendPayload{Kind: KindMessage, Body: "hello"})
	out.To = "Worker1"
	if err := codec.WriteEnvelope(out); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	pipe.r = strings.NewReader(buf.String())
	in, err := codec.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if in.ID != out.ID || in.To != "Worker1" {
		t.Errorf("round trip mismatch: %+v", in)
	}
}

func TestCodecFrameTooLarge(t *testing.T) {
	var buf strings.Builder
	codec := NewCodec(&rwPipe{w: &buf}, 128)

	env := MustEnvelope(TypeSend, SendPayload{Kind: KindMessage, Body: strings.Repeat("x", 1024)})
	if err := codec.WriteEnvelope(env); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

// rwPipe adapts a separate reader and writer into one io.ReadWriter for
// codec tests. The reader may be set after writes complete.
type rwPipe struct {
	r *strings.Reader
	w *strings.Builder
}

func (p *rwPipe) Read(b []byte) (int, error) {
	if p.r == nil {
		return 0, nil
	}
	return p.r.Read(b)
}

func (p *rwPipe) Write(b []byte) (int, error) {
	return p.w.Write(b)
}
