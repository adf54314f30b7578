package syncgroup

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncGroup_GoAndClose(t *testing.T) {
	g := NewSyncGroup()
	var n atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 4; i++ {
		assert.True(t, g.Go(func() {
			<-release
			n.Add(1)
		}))
	}
	assert.Equal(t, 4, g.Running())

	close(release)
	g.Close()

	assert.Equal(t, int32(4), n.Load())
	assert.Equal(t, 0, g.Running())
	assert.False(t, g.Go(func() {}), "closed group rejects new work")
}
