package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pq_chat/internal/model"
	"pq_chat/internal/repository/chatlog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakySource fails while down is set.
type flakySource struct {
	mu   sync.Mutex
	down bool
	src  Source
}

func (f *flakySource) setDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = v
}

func (f *flakySource) ReadSince(ctx context.Context, session string, cursor chatlog.Cursor) ([][]byte, chatlog.Cursor, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, cursor, errors.New("connection refused")
	}
	return f.src.ReadSince(ctx, session, cursor)
}

func TestPollerAdvancesCursor(t *testing.T) {
	_, a, b := pair(t, Options{})
	ctx := context.Background()

	p := NewPoller(b.engine, LocalSource{Log: a.log}, 0, PollerOptions{})

	_, err := a.engine.Send(ctx, "one")
	require.NoError(t, err)
	n, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	length, err := a.log.Length(chatCode)
	require.NoError(t, err)
	assert.Equal(t, length, p.Cursor())
}

func TestPollerReportsLostConnectionAndRecovers(t *testing.T) {
	_, a, b := pair(t, Options{})
	ctx := context.Background()

	src := &flakySource{src: LocalSource{Log: a.log}, down: true}
	recovered := 0
	p := NewPoller(b.engine, src, 0, PollerOptions{
		MaxErrors: 3,
		OnRecover: func(context.Context) error {
			recovered++
			return nil
		},
	})

	for i := 0; i < 4; i++ {
		_, err := p.PollOnce(ctx)
		assert.Error(t, err)
	}
	assert.Equal(t, 5*DefaultPollInterval, p.delay())
	assert.Equal(t, chatlog.Cursor(0), p.Cursor())

	_, err := a.engine.Send(ctx, "while you were away")
	require.NoError(t, err)
	src.setDown(false)

	n, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, DefaultPollInterval, p.delay())

	got := collect(t, b.engine, 3)
	require.Len(t, got, 3)
	assert.Equal(t, ConnectionLostNotice, got[0].Text)
	assert.Equal(t, model.OriginSystem, got[0].Origin)
	assert.Equal(t, ConnectionRestoredNotice, got[1].Text)
	assert.Equal(t, "while you were away", got[2].Text)
}

func TestPollerRunStopsWithContext(t *testing.T) {
	_, a, b := pair(t, Options{})

	_, err := a.engine.Send(context.Background(), "tick")
	require.NoError(t, err)

	p := NewPoller(b.engine, LocalSource{Log: a.log}, 0, PollerOptions{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	got := collect(t, b.engine, 1)
	require.Len(t, got, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
