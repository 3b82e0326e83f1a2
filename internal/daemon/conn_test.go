package daemon

import (
	"errors"
	"fmt"
	"testing"

	"github.com/relaymesh/relaymesh/internal/session"
	"github.com/relaymesh/relaymesh/pkg/wire"
)

func TestDeliveryNackCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want wire.NackCode
	}{
		{"target drained away", session.ErrNotActive, wire.NackStale},
		{"wrapped not-active", fmt.Errorf("deliver: %w", session.ErrNotActive), wire.NackStale},
		{"stalled queue", session.ErrQueueStalled, wire.NackInvalid},
		{"anything else", errors.New("boom"), wire.NackInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deliveryNackCode(tt.err); got != tt.want {
				t.Errorf("deliveryNackCode(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
