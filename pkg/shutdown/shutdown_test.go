package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) hook(name string, err error) Handler {
	return func(context.Context) error {
		t.mu.Lock()
		t.steps = append(t.steps, name)
		t.mu.Unlock()
		return err
	}
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

func TestManager_RunsPhasesInOrder(t *testing.T) {
	m := NewManager()
	tr := &trace{}
	m.Register(PhaseStorage, "store", tr.hook("store", nil))
	m.Register(PhaseWorkers, "bots", tr.hook("bots", nil))
	m.Register(PhaseIngress, "http", tr.hook("http", nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, []string{"http", "bots", "store"}, tr.list())
}

func TestManager_ReturnsFirstErrorAndKeepsGoing(t *testing.T) {
	m := NewManager()
	tr := &trace{}
	m.Register(PhaseIngress, "http", tr.hook("http", errors.New("listener busy")))
	m.Register(PhaseStorage, "store", tr.hook("store", nil))

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown http")
	assert.Equal(t, []string{"http", "store"}, tr.list())
}

func TestManager_TimeoutStillClosesStorage(t *testing.T) {
	m := NewManager()
	tr := &trace{}
	release := make(chan struct{})
	defer close(release)
	m.Register(PhaseWorkers, "stuck", func(context.Context) error {
		<-release
		return nil
	})
	m.Register(PhaseStorage, "store", tr.hook("store", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"store"}, tr.list())
}

func TestManager_RunsOnce(t *testing.T) {
	m := NewManager()
	tr := &trace{}
	m.Register(PhaseIngress, "http", tr.hook("http", nil))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	m.Register(PhaseIngress, "late", tr.hook("late", nil))

	assert.Equal(t, []string{"http"}, tr.list())
}
