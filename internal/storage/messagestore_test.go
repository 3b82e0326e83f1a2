package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/pkg/wire"
)

func openTestStore(t *testing.T) *SQLiteMessageStore {
	t.Helper()
	store, err := OpenMessageStore(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("OpenMessageStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sendEnvelope(t *testing.T, from, to, body string, ts int64) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(wire.TypeSend, wire.SendPayload{Kind: wire.KindMessage, Body: body})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	env.From = from
	env.To = to
	env.TS = ts
	return env
}

func TestMessageStoreAppendQuery(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().UnixMilli()
	for i, body := range []string{"one", "two", "three"} {
		env := sendEnvelope(t, "Lead", "Worker1", body, base+int64(i))
		if err := store.Append(env); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := store.Query(MessageQuery{From: "Lead", Order: OrderAsc})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(got))
	}
	if got[0].TS != base || got[2].TS != base+2 {
		t.Errorf("ascending order violated: %d..%d", got[0].TS, got[2].TS)
	}

	got, err = store.Query(MessageQuery{Limit: 1, Order: OrderDesc})
	if err != nil {
		t.Fatalf("Query desc failed: %v", err)
	}
	if len(got) != 1 || got[0].TS != base+2 {
		t.Errorf("expected newest envelope first, got %+v", got)
	}
}

func TestMessageStoreAppendIdempotent(t *testing.T) {
	store := openTestStore(t)

	env := sendEnvelope(t, "Lead", "Worker1", "dup", time.Now().UnixMilli())
	if err := store.Append(env); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(env); err != nil {
		t.Fatalf("second Append failed: %v", err)
	}

	got, err := store.Query(MessageQuery{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 envelope after duplicate append, got %d", len(got))
	}
}

func TestMessageStoreSinceTSAndTo(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().UnixMilli()
	_ = store.Append(sendEnvelope(t, "Lead", "Worker1", "old", base-10_000))
	_ = store.Append(sendEnvelope(t, "Lead", "Worker2", "new", base))

	got, err := store.Query(MessageQuery{SinceTS: base - 5_000})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0].To != "Worker2" {
		t.Errorf("expected only the recent envelope, got %+v", got)
	}

	got, err = store.Query(MessageQuery{To: "Worker1"})
	if err != nil {
		t.Fatalf("Query by to failed: %v", err)
	}
	if len(got) != 1 || got[0].To != "Worker1" {
		t.Errorf("expected only Worker1 envelope, got %+v", got)
	}
}

func TestMessageStorePrune(t *testing.T) {
	store := openTestStore(t)

	now := time.Now()
	_ = store.Append(sendEnvelope(t, "Lead", "Worker1", "stale", now.Add(-2*time.Hour).UnixMilli()))
	_ = store.Append(sendEnvelope(t, "Lead", "Worker1", "fresh", now.UnixMilli()))

	pruned, err := store.Prune(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned row, got %d", pruned)
	}

	got, _ := store.Query(MessageQuery{})
	if len(got) != 1 {
		t.Errorf("expected 1 surviving envelope, got %d", len(got))
	}
}
