package relaypool

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, kind int, content string) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	return ev
}

func TestMemPoolPublishSkipsOfflineRelays(t *testing.T) {
	pool := NewMemPool()
	relays := []string{"wss://a", "wss://b", "wss://c"}
	pool.SetOffline("wss://b", true)
	pool.SetOffline("wss://c", true)

	ev := signedEvent(t, 1, "hello")
	succeeded := pool.Publish(context.Background(), ev, relays)
	require.Equal(t, []string{"wss://a"}, succeeded)
}

func TestMemPoolSubscribeDeduplicatesAcrossRelays(t *testing.T) {
	pool := NewMemPool()
	relays := []string{"wss://a", "wss://b"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := pool.Subscribe(ctx, nostr.Filters{{Kinds: []int{1}}}, relays)
	require.NoError(t, err)
	defer sub.Close()

	// Same event reaches both relays; the subscriber sees it once.
	ev := signedEvent(t, 1, "dup")
	require.Len(t, pool.Publish(ctx, ev, relays), 2)

	got := <-sub.Events
	require.Equal(t, ev.ID, got.ID)

	select {
	case extra := <-sub.Events:
		t.Fatalf("duplicate delivery of %s", extra.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemPoolSubscribeReplaysStored(t *testing.T) {
	pool := NewMemPool()
	relays := []string{"wss://a"}

	ev := signedEvent(t, 1, "stored")
	pool.Publish(context.Background(), ev, relays)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := pool.Subscribe(ctx, nostr.Filters{{Kinds: []int{1}}}, relays)
	require.NoError(t, err)
	defer sub.Close()

	got := <-sub.Events
	require.Equal(t, ev.ID, got.ID)
}

func TestMemPoolQuerySortsDescending(t *testing.T) {
	pool := NewMemPool()
	relays := []string{"wss://a"}

	older := signedEvent(t, 1, "older")
	older.CreatedAt = nostr.Timestamp(time.Now().Add(-time.Hour).Unix())
	require.NoError(t, resign(older))
	newer := signedEvent(t, 1, "newer")

	pool.Publish(context.Background(), older, relays)
	pool.Publish(context.Background(), newer, relays)

	got, err := pool.Query(context.Background(), nostr.Filter{Kinds: []int{1}}, relays)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, newer.ID, got[0].ID)
	require.Equal(t, older.ID, got[1].ID)
}

func TestMemPoolWaitForTimeout(t *testing.T) {
	pool := NewMemPool()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := pool.WaitFor(ctx, nostr.Filter{Kinds: []int{42}}, []string{"wss://a"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// resign recomputes id and signature after a manual field change.
func resign(ev *nostr.Event) error {
	return ev.Sign(nostr.GeneratePrivateKey())
}
