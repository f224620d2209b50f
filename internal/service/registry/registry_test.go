package registry

import (
	"fmt"
	"sync"
	"testing"

	"pq_chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ep(url string) model.PeerEndpoint {
	return model.PeerEndpoint{URL: url}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New(1)

	assert.True(t, r.Register(ep("http://a/client_message")))
	assert.False(t, r.Register(ep("http://a/client_message")))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Unregister(ep("http://a/client_message")))
	assert.False(t, r.Unregister(ep("http://a/client_message")))
	assert.Equal(t, 0, r.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New(1)
	r.Register(ep("http://b"))
	r.Register(ep("http://a"))

	snap := r.Snapshot()
	require.Equal(t, []model.PeerEndpoint{ep("http://a"), ep("http://b")}, snap)

	r.Unregister(ep("http://a"))
	assert.Len(t, snap, 2)
	assert.Len(t, r.Snapshot(), 1)
}

func TestReportFailure(t *testing.T) {
	tests := []struct {
		name        string
		maxFailures int
		failures    int
		removed     bool
	}{
		{"first failure removes by default", 0, 1, true},
		{"below threshold keeps", 3, 2, false},
		{"at threshold removes", 3, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.maxFailures)
			r.Register(ep("http://a"))

			var removed bool
			for i := 0; i < tt.failures; i++ {
				removed = r.ReportFailure(ep("http://a"))
			}
			assert.Equal(t, tt.removed, removed)
			assert.Equal(t, !tt.removed, r.Contains(ep("http://a")))
		})
	}
}

func TestReportSuccessResetsFailures(t *testing.T) {
	r := New(2)
	r.Register(ep("http://a"))

	assert.False(t, r.ReportFailure(ep("http://a")))
	r.ReportSuccess(ep("http://a"))
	assert.False(t, r.ReportFailure(ep("http://a")))
	assert.True(t, r.ReportFailure(ep("http://a")))

	// unknown endpoints are ignored
	assert.False(t, r.ReportFailure(ep("http://missing")))
}

func TestConcurrentMutationDuringSnapshot(t *testing.T) {
	r := New(1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e := ep(fmt.Sprintf("http://%d/%d", i, j))
				r.Register(e)
				for range r.Snapshot() {
				}
				r.ReportFailure(e)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestPinnedEndpointSurvivesFailures(t *testing.T) {
	r := New(1)
	assert.True(t, r.Pin(ep("http://server/message")))
	r.Register(ep("http://other"))

	for i := 0; i < 5; i++ {
		assert.False(t, r.ReportFailure(ep("http://server/message")))
	}
	assert.True(t, r.Contains(ep("http://server/message")))
	assert.True(t, r.ReportFailure(ep("http://other")))

	// pinning a known endpoint upgrades it
	r.Register(ep("http://late"))
	assert.False(t, r.Pin(ep("http://late")))
	assert.False(t, r.ReportFailure(ep("http://late")))
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Unregister(ep("http://server/message")))
	assert.False(t, r.Contains(ep("http://server/message")))
}
