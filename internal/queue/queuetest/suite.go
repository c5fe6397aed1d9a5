// Package queuetest checks that a queue.Store honors FIFO order and the
// drop-oldest bound.
package queuetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sevans717/aphila-sub008/internal/queue"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Envelope builds a queued message for recipient with a deterministic id and age
func Envelope(recipient string, n int) types.Envelope {
	return types.Envelope{
		ID:          fmt.Sprintf("m%d", n),
		SenderID:    "sender",
		RecipientID: recipient,
		Type:        types.MessageTypeText,
		Payload:     []byte(fmt.Sprintf(`{"n":%d}`, n)),
		CreatedAt:   base.Add(time.Duration(n) * time.Minute),
	}
}

func ids(envs []types.Envelope) string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.ID
	}
	return fmt.Sprint(out)
}

// Run exercises newStore against the Store contract. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) queue.Store) {
	ctx := context.Background()

	t.Run("fifo take", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 3; i++ {
			if _, err := s.Append(ctx, "bob", Envelope("bob", i), 10); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}

		listed, err := s.List(ctx, "bob")
		if err != nil || ids(listed) != "[m1 m2 m3]" {
			t.Fatalf("List = %s, %v", ids(listed), err)
		}

		taken, err := s.Take(ctx, "bob")
		if err != nil || ids(taken) != "[m1 m2 m3]" {
			t.Fatalf("Take = %s, %v", ids(taken), err)
		}
		if n, _ := s.Len(ctx, "bob"); n != 0 {
			t.Errorf("Len after Take = %d", n)
		}
		if taken[0].SenderID != "sender" || string(taken[0].Payload) != `{"n":1}` {
			t.Errorf("envelope fields lost: %+v", taken[0])
		}
		if !taken[0].CreatedAt.Equal(base.Add(time.Minute)) {
			t.Errorf("CreatedAt = %s", taken[0].CreatedAt)
		}
	})

	t.Run("drop oldest", func(t *testing.T) {
		s := newStore(t)
		evictedTotal := 0
		for i := 1; i <= 5; i++ {
			n, err := s.Append(ctx, "bob", Envelope("bob", i), 3)
			if err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			evictedTotal += n
		}
		if evictedTotal != 2 {
			t.Errorf("evicted = %d, want 2", evictedTotal)
		}

		listed, _ := s.List(ctx, "bob")
		if ids(listed) != "[m3 m4 m5]" {
			t.Errorf("List = %s, want [m3 m4 m5]", ids(listed))
		}
	})

	t.Run("prepend keeps order", func(t *testing.T) {
		s := newStore(t)
		s.Append(ctx, "bob", Envelope("bob", 3), 10)

		if _, err := s.Prepend(ctx, "bob", []types.Envelope{Envelope("bob", 1), Envelope("bob", 2)}, 10); err != nil {
			t.Fatalf("Prepend failed: %v", err)
		}
		listed, _ := s.List(ctx, "bob")
		if ids(listed) != "[m1 m2 m3]" {
			t.Errorf("List = %s, want [m1 m2 m3]", ids(listed))
		}

		evicted, err := s.Prepend(ctx, "bob", []types.Envelope{Envelope("bob", 0)}, 3)
		if err != nil {
			t.Fatalf("Prepend failed: %v", err)
		}
		listed, _ = s.List(ctx, "bob")
		if evicted != 1 || ids(listed) != "[m1 m2 m3]" {
			t.Errorf("overflowing Prepend evicted %d, List = %s", evicted, ids(listed))
		}
	})

	t.Run("isolation and delete", func(t *testing.T) {
		s := newStore(t)
		s.Append(ctx, "bob", Envelope("bob", 1), 10)
		s.Append(ctx, "bob", Envelope("bob", 2), 10)
		s.Append(ctx, "carol", Envelope("carol", 1), 10)

		n, err := s.Delete(ctx, "bob")
		if err != nil || n != 2 {
			t.Errorf("Delete = %d, %v", n, err)
		}
		if n, _ := s.Len(ctx, "carol"); n != 1 {
			t.Errorf("carol's queue affected: Len = %d", n)
		}
		if n, _ := s.Delete(ctx, "nobody"); n != 0 {
			t.Errorf("Delete of unknown user = %d", n)
		}
		if envs, err := s.Take(ctx, "nobody"); err != nil || len(envs) != 0 {
			t.Errorf("Take of unknown user = %v, %v", envs, err)
		}
	})

	t.Run("prune before", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 4; i++ {
			s.Append(ctx, "bob", Envelope("bob", i), 10)
		}
		s.Append(ctx, "carol", Envelope("carol", 1), 10)

		// m1 of both users and m2 of bob are older than the cutoff
		pruned, err := s.PruneBefore(ctx, base.Add(3*time.Minute))
		if err != nil {
			t.Fatalf("PruneBefore failed: %v", err)
		}
		if pruned != 3 {
			t.Errorf("pruned = %d, want 3", pruned)
		}
		listed, _ := s.List(ctx, "bob")
		if ids(listed) != "[m3 m4]" {
			t.Errorf("bob = %s, want [m3 m4]", ids(listed))
		}
		if n, _ := s.Len(ctx, "carol"); n != 0 {
			t.Errorf("carol Len = %d, want 0", n)
		}
	})
}
