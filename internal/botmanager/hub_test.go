package botmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/betbot/botdeck/internal/domain"
	"github.com/betbot/botdeck/internal/gateway"
)

func TestHub_BroadcastIsolation(t *testing.T) {
	hub := NewHub()
	good1, good2 := newFakeSub(), newFakeSub()
	failing := newFakeSub()
	failing.err = errSendFailed
	panicking := newFakeSub()
	panicking.panics = true
	closed := newFakeSub()
	closed.open.Store(false)

	for _, s := range []*fakeSub{good1, failing, panicking, closed, good2} {
		hub.Add(s)
	}

	delivered := hub.Broadcast([]byte(`{"type":"update"}`))

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, good1.count())
	assert.Equal(t, 1, good2.count())
	assert.Equal(t, 0, closed.count())
	assert.Equal(t, 5, hub.Len(), "closed subscribers are skipped, not removed")

	hub.Remove(closed)
	assert.Equal(t, 4, hub.Len())
}

func TestTransition(t *testing.T) {
	cases := []struct {
		from State
		ev   gateway.EventKind
		want State
	}{
		{StateConnecting, gateway.EventReady, StateOnline},
		{StateConnecting, gateway.EventError, StateDegraded},
		{StateOnline, gateway.EventDisconnect, StateDegraded},
		{StateOnline, gateway.EventReconnecting, StateOnline},
		{StateDegraded, gateway.EventReconnecting, StateDegraded},
		{StateDegraded, gateway.EventReady, StateOnline},
		{StateOffline, gateway.EventReady, StateOffline},
		{StateOffline, gateway.EventError, StateOffline},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, transition(tc.from, tc.ev), "%s + %s", tc.from, tc.ev)
	}
}

func TestStateStatus(t *testing.T) {
	assert.Equal(t, domain.StatusOnline, StateOnline.Status())
	assert.Equal(t, domain.StatusWarning, StateDegraded.Status())
	assert.Equal(t, domain.StatusOffline, StateConnecting.Status())
	assert.Equal(t, domain.StatusOffline, StateOffline.Status())
}

func TestKeyLock_ReleasesEntries(t *testing.T) {
	k := newKeyLock()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, k.size())
}
