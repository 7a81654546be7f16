package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	r := NewClientRegistry()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	r.Add(&Client{ID: "c2", SessionID: "s1", ConnectedAt: base.Add(time.Second), LastActivity: base})
	r.Add(&Client{ID: "c1", SessionID: "s1", ConnectedAt: base, LastActivity: base})
	r.Add(&Client{ID: "c3", SessionID: "s2", ConnectedAt: base, LastActivity: base})

	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 2, r.Sessions())

	infos := r.GetConnectedClients()
	require.Len(t, infos, 3)
	assert.Equal(t, []string{"c1", "c3", "c2"}, []string{infos[0].ID, infos[1].ID, infos[2].ID})

	now = base.Add(10 * time.Minute)
	r.Touch("c1")
	for _, info := range r.GetConnectedClients() {
		assert.Equal(t, info.ID != "c1", info.Idle, info.ID)
	}

	r.Remove("c1")
	r.Remove("c2")
	r.Remove("c2")
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, r.Sessions())
}
