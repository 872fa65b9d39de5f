package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/store"
)

// OpenRepo creates a repo over a fresh database in a temp directory and
// stores an empty conversation for each uuid.
func OpenRepo(t *testing.T, conversations ...string) *store.Repo {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r := store.NewRepo(s)
	for _, uuid := range conversations {
		require.NoError(t, r.SaveConversation(context.Background(), model.Conversation{
			UUID:        uuid,
			Name:        "name-" + uuid,
			Created:     ClockBase,
			LastUpdated: ClockBase,
		}))
	}
	return r
}

// Expect reads batches from sub until a notification of type T arrives and
// returns it. Fails the test after two seconds.
func Expect[T notify.Notification](t *testing.T, sub *notify.Subscription) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			for _, n := range b.Items {
				if v, ok := n.(T); ok {
					return v
				}
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// NextBatch returns the next batch of sub. Fails the test after two seconds.
func NextBatch(t *testing.T, sub *notify.Subscription) notify.Batch {
	t.Helper()
	select {
	case b, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return notify.Batch{}
	}
}

// Kinds lists the kinds of a batch's notifications in order.
func Kinds(b notify.Batch) []string {
	out := make([]string, len(b.Items))
	for i, n := range b.Items {
		out[i] = n.Kind()
	}
	return out
}
