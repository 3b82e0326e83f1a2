package session

import (
	"errors"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/pkg/wire"
)

func activeSession(t *testing.T, maxInflight int) *Session {
	t.Helper()
	return New("Worker1", "claude", wire.Capabilities{
		Ack:         true,
		Resume:      true,
		MaxInflight: maxInflight,
	})
}

func deliverN(t *testing.T, s *Session, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.EnqueueDeliver("Lead", s.Agent, &wire.SendPayload{Kind: wire.KindMessage, Body: "msg"}); err != nil {
			t.Fatalf("EnqueueDeliver %d failed: %v", i, err)
		}
	}
}

func TestBackpressureBound(t *testing.T) {
	s := activeSession(t, 3)
	deliverN(t, s, 3)

	_, err := s.EnqueueDeliver("Lead", s.Agent, &wire.SendPayload{Kind: wire.KindMessage, Body: "overflow"})
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected *BusyError, got %v", err)
	}
	if busy.QueueDepth != 3 {
		t.Errorf("expected queue depth 3, got %d", busy.QueueDepth)
	}
	if s.LastSeq() != 3 {
		t.Errorf("rejected send must not consume a seq, lastSeq=%d", s.LastSeq())
	}
}

func TestAckCumulative(t *testing.T) {
	s := activeSession(t, 10)
	deliverN(t, s, 5)

	acked := s.Ack(&wire.AckPayload{AckID: "a1", CumulativeSeq: 3})
	if len(acked) != 3 {
		t.Fatalf("expected 3 acked, got %v", acked)
	}
	for i, seq := range []int64{1, 2, 3} {
		if acked[i] != seq {
			t.Errorf("expected acked[%d]=%d, got %d", i, seq, acked[i])
		}
	}
	if s.LastAckedSeq() != 3 {
		t.Errorf("expected lastAckedSeq 3, got %d", s.LastAckedSeq())
	}
	if s.InflightCount() != 2 {
		t.Errorf("expected 2 inflight, got %d", s.InflightCount())
	}
}

func TestAckIdempotent(t *testing.T) {
	s := activeSession(t, 10)
	deliverN(t, s, 3)

	first := s.Ack(&wire.AckPayload{AckID: "a1", Seq: 2})
	if len(first) != 1 || first[0] != 2 {
		t.Fatalf("expected [2], got %v", first)
	}
	inflightAfter := s.InflightCount()

	second := s.Ack(&wire.AckPayload{AckID: "a2", Seq: 2})
	if len(second) != 0 {
		t.Errorf("re-ack must be a no-op, got %v", second)
	}
	if s.InflightCount() != inflightAfter {
		t.Errorf("inflight changed on duplicate ack: %d != %d", s.InflightCount(), inflightAfter)
	}
}

func TestAckSelectiveAdvancesFloor(t *testing.T) {
	s := activeSession(t, 10)
	deliverN(t, s, 4)

	// Out-of-order individual acks: 2 then 1. Floor reaches 2 only once
	// the gap at 1 closes.
	s.Ack(&wire.AckPayload{AckID: "a1", Seq: 2})
	if s.LastAckedSeq() != 0 {
		t.Errorf("floor must not jump a gap, got %d", s.LastAckedSeq())
	}
	s.Ack(&wire.AckPayload{AckID: "a2", Seq: 1})
	if s.LastAckedSeq() != 2 {
		t.Errorf("expected floor 2 after gap closed, got %d", s.LastAckedSeq())
	}

	// sack clears the rest.
	s.Ack(&wire.AckPayload{AckID: "a3", Sack: []int64{3, 4}})
	if s.LastAckedSeq() != 4 || s.InflightCount() != 0 {
		t.Errorf("expected empty window with floor 4, floor=%d inflight=%d", s.LastAckedSeq(), s.InflightCount())
	}
}

func TestNackRemovesWithoutDelivering(t *testing.T) {
	s := activeSession(t, 10)
	deliverN(t, s, 2)

	pd, err := s.Nack(1)
	if err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if pd.Seq != 1 {
		t.Errorf("expected pending seq 1, got %d", pd.Seq)
	}
	if s.InflightCount() != 1 {
		t.Errorf("expected 1 inflight after nack, got %d", s.InflightCount())
	}

	if _, err := s.Nack(1); err == nil {
		t.Error("expected error nacking an absent seq")
	}
}

func TestResumeReplaysExactWindow(t *testing.T) {
	s := activeSession(t, 10)
	deliverN(t, s, 5)
	s.Ack(&wire.AckPayload{AckID: "a1", CumulativeSeq: 2})

	if err := s.Suspend(); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	replay, err := s.Resume(2)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// SYNC_SNAPSHOT, SYNC_DELTA, then seqs 3..5 in order.
	if len(replay) != 5 {
		t.Fatalf("expected 5 replay envelopes, got %d", len(replay))
	}
	if replay[0].Type != wire.TypeSyncSnapshot {
		t.Errorf("expected SYNC_SNAPSHOT first, got %s", replay[0].Type)
	}
	if replay[1].Type != wire.TypeSyncDelta {
		t.Errorf("expected SYNC_DELTA second, got %s", replay[1].Type)
	}

	delta, err := replay[1].DecodePayload()
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	dp := delta.(*wire.SyncDeltaPayload)
	if dp.FromSeq != 3 || dp.ToSeq != 5 || dp.Count != 3 {
		t.Errorf("expected delta 3..5 count 3, got %+v", dp)
	}

	want := int64(3)
	for _, env := range replay[2:] {
		payload, err := env.DecodePayload()
		if err != nil {
			t.Fatalf("decode deliver: %v", err)
		}
		dl := payload.(*wire.DeliverPayload)
		if dl.Delivery.Seq != want {
			t.Errorf("expected seq %d, got %d", want, dl.Delivery.Seq)
		}
		want++
	}
	if s.State() != StateActive {
		t.Errorf("expected ACTIVE after resume, got %s", s.State())
	}
}

func TestResumeTooOld(t *testing.T) {
	s := activeSession(t, 10)
	deliverN(t, s, 5)
	s.Ack(&wire.AckPayload{AckID: "a1", CumulativeSeq: 4})
	if err := s.Suspend(); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	// Entries 1..4 are gone; a peer resuming from 2 wants replays we no
	// longer hold.
	if _, err := s.Resume(2); !errors.Is(err, ErrResumeTooOld) {
		t.Errorf("expected ErrResumeTooOld, got %v", err)
	}
}

func TestResumeAcceptsNewerPeerFloor(t *testing.T) {
	s := activeSession(t, 10)
	deliverN(t, s, 4)
	s.Ack(&wire.AckPayload{AckID: "a1", CumulativeSeq: 1})
	_ = s.Suspend()

	// Peer acked up to 3 but the acks were lost with the transport.
	replay, err := s.Resume(3)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.LastAckedSeq() != 3 {
		t.Errorf("expected floor to advance to 3, got %d", s.LastAckedSeq())
	}
	// snapshot + delta + seq 4 only
	if len(replay) != 3 {
		t.Errorf("expected 3 replay envelopes, got %d", len(replay))
	}
}

func TestSuspendRequiresResumeCapability(t *testing.T) {
	s := New("Worker1", "claude", wire.Capabilities{Ack: true, Resume: false, MaxInflight: 5})
	if err := s.Suspend(); !errors.Is(err, ErrNotResumable) {
		t.Errorf("expected ErrNotResumable, got %v", err)
	}
}

func TestDrainRefusesNewSends(t *testing.T) {
	s := activeSession(t, 5)
	s.Drain()
	if _, err := s.EnqueueDeliver("Lead", s.Agent, &wire.SendPayload{Kind: wire.KindMessage, Body: "late"}); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive while draining, got %v", err)
	}
}

func TestHeartbeatNonceMatching(t *testing.T) {
	s := activeSession(t, 5)
	s.RecordPing("nonce-1")

	if err := s.RecordPong("wrong"); !errors.Is(err, ErrUnknownNonce) {
		t.Errorf("expected ErrUnknownNonce, got %v", err)
	}
	if err := s.RecordPong("nonce-1"); err != nil {
		t.Errorf("matching pong rejected: %v", err)
	}
	if s.HeartbeatExpired(time.Millisecond) {
		t.Error("fresh session must not read as expired")
	}
}

func TestHeartbeatExpiresAfterOneInterval(t *testing.T) {
	s := activeSession(t, 5)
	if s.HeartbeatExpired(time.Millisecond) {
		t.Error("session with no outstanding ping must not expire")
	}

	s.RecordPing("nonce-1")
	if s.HeartbeatExpired(time.Minute) {
		t.Error("ping within the interval must not expire")
	}
	time.Sleep(20 * time.Millisecond)
	if !s.HeartbeatExpired(10 * time.Millisecond) {
		t.Error("unanswered ping older than one interval must expire")
	}

	if err := s.RecordPong("nonce-1"); err != nil {
		t.Fatalf("RecordPong failed: %v", err)
	}
	if s.HeartbeatExpired(10 * time.Millisecond) {
		t.Error("answered ping must clear the expiry")
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := activeSession(t, 5)
	s.Close()
	s.Close()
	if s.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", s.State())
	}
}

func TestTopicsRequireCapability(t *testing.T) {
	s := New("Worker1", "claude", wire.Capabilities{Ack: true, MaxInflight: 5})
	if err := s.SubscribeTopics([]string{"builds"}); err == nil {
		t.Error("expected subscribe to fail without supports_topics")
	}

	st := New("Worker2", "claude", wire.Capabilities{Ack: true, MaxInflight: 5, SupportsTopics: true})
	if err := st.SubscribeTopics([]string{"builds", "deploys"}); err != nil {
		t.Fatalf("SubscribeTopics failed: %v", err)
	}
	st.UnsubscribeTopics([]string{"builds"})
	topics := st.Topics()
	if len(topics) != 1 || topics[0] != "deploys" {
		t.Errorf("expected [deploys], got %v", topics)
	}
}
