package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pq_chat/internal/model"
	"pq_chat/internal/protocol/handshake"
	"pq_chat/internal/protocol/sealer"
	"pq_chat/internal/repository/chatlog"
	"pq_chat/internal/service/registry"
	"pq_chat/internal/service/seen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatCode = "123456"

type (
	peer struct {
		name    string
		engine  *Engine
		log     *chatlog.Store
		reg     *registry.Registry
		session *handshake.Session
	}

	// network routes pushes by endpoint URL.
	network struct {
		mu     sync.RWMutex
		routes map[string]func(ctx context.Context, sealed []byte) error
	}
)

func (n *network) route(url string, fn func(ctx context.Context, sealed []byte) error) model.PeerEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[url] = fn
	return model.PeerEndpoint{URL: url}
}

func (n *network) Push(ctx context.Context, ep model.PeerEndpoint, sealed []byte) error {
	n.mu.RLock()
	fn, ok := n.routes[ep.URL]
	n.mu.RUnlock()
	if !ok {
		return errors.New("connection refused")
	}
	return fn(ctx, sealed)
}

func newPeer(t *testing.T, name string, crypto *sealer.Engine, pusher Pusher, opts Options) *peer {
	t.Helper()

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	store, err := chatlog.New(t.TempDir(), chatlog.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	set, err := seen.NewMemorySet(0, 0, nil)
	require.NoError(t, err)

	session := handshake.NewSession(chatCode, crypto.ValidatePublicKey)
	session.Start(id)

	reg := registry.New(1)
	opts.Name = name
	e := NewEngine(session, crypto, store, set, reg, pusher, opts)
	e.Start()
	t.Cleanup(e.Stop)

	return &peer{name: name, engine: e, log: store, reg: reg, session: session}
}

func pair(t *testing.T, opts Options) (*network, *peer, *peer) {
	t.Helper()
	crypto, err := sealer.NewByName("MLKEM768")
	require.NoError(t, err)

	net := &network{routes: map[string]func(context.Context, []byte) error{}}
	a := newPeer(t, "alice", crypto, net, opts)
	b := newPeer(t, "bob", crypto, net, opts)

	_, err = a.session.SetPeerKey(b.session.Identity().PublicKey)
	require.NoError(t, err)
	_, err = b.session.SetPeerKey(a.session.Identity().PublicKey)
	require.NoError(t, err)
	return net, a, b
}

func pushTo(p *peer) func(ctx context.Context, sealed []byte) error {
	return func(ctx context.Context, sealed []byte) error {
		p.engine.ReceivePushed(ctx, sealed)
		return nil
	}
}

// collect reads messages until want arrive or the channel stays quiet.
func collect(t *testing.T, e *Engine, want int) []model.ChatMessage {
	t.Helper()
	var out []model.ChatMessage
	for {
		wait := 50 * time.Millisecond
		if len(out) < want {
			wait = 2 * time.Second
		}
		select {
		case m := <-e.Messages():
			out = append(out, m)
		case <-time.After(wait):
			return out
		}
	}
}

func TestSendRequiresPeerKey(t *testing.T) {
	crypto, err := sealer.NewByName("MLKEM768")
	require.NoError(t, err)
	p := newPeer(t, "alice", crypto, &network{routes: map[string]func(context.Context, []byte) error{}}, Options{})

	assert.Equal(t, handshake.KeyExchangePending, p.session.State())
	_, err = p.engine.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoPeerKey)

	n, err := p.log.Count(chatCode)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLateJoinerPollsHistory(t *testing.T) {
	_, a, b := pair(t, Options{})
	ctx := context.Background()

	res, err := a.engine.Send(ctx, "hello")
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	assert.NotEmpty(t, res.Hash)

	msgs, cur, err := b.engine.Poll(ctx, LocalSource{Log: a.log}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, model.OriginPoll, msgs[0].Origin)

	length, err := a.log.Length(chatCode)
	require.NoError(t, err)
	assert.Equal(t, length, cur)

	// the same cursor again is idempotent and shows nothing new
	again, cur2, err := b.engine.Poll(ctx, LocalSource{Log: a.log}, 0)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, cur, cur2)

	got := collect(t, b.engine, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "alice: hello", got[0].Line())
}

func TestPushThenPollDisplaysOnce(t *testing.T) {
	net, a, b := pair(t, Options{})
	ctx := context.Background()
	a.reg.Register(net.route("http://bob/client_message", pushTo(b)))

	res, err := a.engine.Send(ctx, "are you there")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, res.Failed)

	msgs, _, err := b.engine.Poll(ctx, LocalSource{Log: a.log}, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	got := collect(t, b.engine, 1)
	require.Len(t, got, 1)
	assert.Equal(t, model.OriginPush, got[0].Origin)
}

func TestPushAndPollRaceDisplaysEachMessageOnce(t *testing.T) {
	_, a, b := pair(t, Options{})
	ctx := context.Background()

	const n = 25
	for i := 0; i < n; i++ {
		_, err := a.engine.Send(ctx, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}
	sealed, _, err := a.log.ReadSince(chatCode, 0)
	require.NoError(t, err)
	require.Len(t, sealed, n)

	var shown atomic.Int32
	var wg sync.WaitGroup
	for _, s := range sealed {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.engine.ReceivePushed(ctx, s) {
				shown.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		msgs, _, err := b.engine.Poll(ctx, LocalSource{Log: a.log}, 0)
		assert.NoError(t, err)
		shown.Add(int32(len(msgs)))
	}()
	wg.Wait()

	assert.Equal(t, int32(n), shown.Load())
	assert.Len(t, collect(t, b.engine, n), n)
}

func TestSelfEchoIsSuppressed(t *testing.T) {
	net, a, _ := pair(t, Options{})
	ctx := context.Background()
	a.reg.Register(net.route("http://loopback/client_message", pushTo(a)))

	res, err := a.engine.Send(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	msgs, _, err := a.engine.Poll(ctx, LocalSource{Log: a.log}, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, collect(t, a.engine, 0))
}

func TestConcurrentSendsAppendEveryEntry(t *testing.T) {
	_, a, b := pair(t, Options{})
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.engine.Send(ctx, fmt.Sprintf("concurrent %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, _, err := a.log.ReadSince(chatCode, 0)
	require.NoError(t, err)
	require.Len(t, entries, n)

	seenText := map[string]bool{}
	for _, entry := range entries {
		plain, err := b.engine.open(entry)
		require.NoError(t, err)
		seenText[string(plain)] = true
	}
	assert.Len(t, seenText, n)
}

func TestFailedPushDeregistersEndpoint(t *testing.T) {
	net, a, b := pair(t, Options{})
	ctx := context.Background()

	good := net.route("http://bob/client_message", pushTo(b))
	bad := model.PeerEndpoint{URL: "http://gone/client_message"}
	a.reg.Register(good)
	a.reg.Register(bad)

	res, err := a.engine.Send(ctx, "still sent")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)

	assert.True(t, a.reg.Contains(good))
	assert.False(t, a.reg.Contains(bad))

	n, err := a.log.Count(chatCode)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSlowPeerTimesOutWithoutBlockingOthers(t *testing.T) {
	net, a, b := pair(t, Options{PushTimeout: 50 * time.Millisecond, BroadcastTimeout: time.Second})
	ctx := context.Background()

	a.reg.Register(net.route("http://bob/client_message", pushTo(b)))
	slow := net.route("http://slow/client_message", func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})
	a.reg.Register(slow)

	start := time.Now()
	res, err := a.engine.Send(ctx, "hurry")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, a.reg.Contains(slow))

	assert.Len(t, collect(t, b.engine, 1), 1)

	err = a.engine.pushOne(ctx, slow, []byte("x"))
	assert.ErrorIs(t, err, ErrDeliveryTimeout)
}

func TestPollSkipsUndecryptableEntries(t *testing.T) {
	_, a, b := pair(t, Options{})
	ctx := context.Background()

	require.NoError(t, a.log.Append(chatCode, []byte("garbage")))
	require.NoError(t, a.log.Append(chatCode, make([]byte, 2000)))
	_, err := a.engine.Send(ctx, "after the junk")
	require.NoError(t, err)

	msgs, cur, err := b.engine.Poll(ctx, LocalSource{Log: a.log}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after the junk", msgs[0].Text)

	length, err := a.log.Length(chatCode)
	require.NoError(t, err)
	assert.Equal(t, length, cur)
}

func TestAcceptStoresRelaysAndDisplaysOnce(t *testing.T) {
	net, server, client := pair(t, Options{})
	ctx := context.Background()

	// a third listener registered with the server receives the relay
	var relayed atomic.Int32
	server.reg.Register(net.route("http://listener/client_message", func(context.Context, []byte) error {
		relayed.Add(1)
		return nil
	}))

	_, err := client.engine.Send(ctx, "to the server")
	require.NoError(t, err)
	entries, _, err := client.log.ReadSince(chatCode, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, server.engine.Accept(ctx, entries[0]))
	require.NoError(t, server.engine.Accept(ctx, entries[0]))

	n, err := server.log.Count(chatCode)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), relayed.Load())

	got := collect(t, server.engine, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "bob: to the server", got[0].Line())

	assert.ErrorIs(t, server.engine.Accept(ctx, []byte("short")), sealer.ErrTooShort)
}

func TestHistoryMarksForeignEntries(t *testing.T) {
	_, a, b := pair(t, Options{})
	ctx := context.Background()

	_, err := b.engine.Send(ctx, "from bob")
	require.NoError(t, err)
	entries, _, err := b.log.ReadSince(chatCode, 0)
	require.NoError(t, err)
	require.NoError(t, a.engine.Accept(ctx, entries[0]))
	_, err = a.engine.Send(ctx, "from alice")
	require.NoError(t, err)

	hist, err := a.engine.History()
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, HistoryEntry{Line: "bob: from bob", OK: true}, hist[0])
	assert.False(t, hist[1].OK)
}

func TestStopClosesMessages(t *testing.T) {
	_, a, _ := pair(t, Options{})
	a.engine.Notify("bye")
	a.engine.Stop()

	for range a.engine.Messages() {
	}
	a.engine.Stop()
}

type flakyLog struct {
	*chatlog.Store
	fails atomic.Int32
}

func (l *flakyLog) Append(session string, entry []byte) error {
	if l.fails.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return l.Store.Append(session, entry)
}

func TestFailedAppendCanBeRetried(t *testing.T) {
	ctx := context.Background()
	crypto, err := sealer.NewByName("MLKEM768")
	require.NoError(t, err)

	server, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	partner, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	store, err := chatlog.New(t.TempDir(), chatlog.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	flaky := &flakyLog{Store: store}

	set, err := seen.NewMemorySet(0, 0, nil)
	require.NoError(t, err)

	session := handshake.NewSession(chatCode, crypto.ValidatePublicKey)
	session.Start(server)
	_, err = session.SetPeerKey(partner.PublicKey)
	require.NoError(t, err)

	e := NewEngine(session, crypto, flaky, set, registry.New(1), &network{routes: map[string]func(context.Context, []byte) error{}}, Options{Name: "alice"})
	e.Start()
	t.Cleanup(e.Stop)

	t.Run("accept", func(t *testing.T) {
		sealed, err := crypto.Seal([]byte("bob: retry me"), server.PublicKey)
		require.NoError(t, err)

		flaky.fails.Store(1)
		assert.Error(t, e.Accept(ctx, sealed))
		require.NoError(t, e.Accept(ctx, sealed))

		n, err := store.Count(chatCode)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		msgs := collect(t, e, 1)
		require.Len(t, msgs, 1)
		assert.Equal(t, "retry me", msgs[0].Text)
	})

	t.Run("send", func(t *testing.T) {
		before, err := store.Count(chatCode)
		require.NoError(t, err)

		flaky.fails.Store(1)
		_, err = e.Send(ctx, "lost")
		assert.Error(t, err)

		res, err := e.Send(ctx, "kept")
		require.NoError(t, err)
		after, err := store.Count(chatCode)
		require.NoError(t, err)
		assert.Equal(t, before+1, after)

		ok, err := set.Contains(ctx, chatCode+logNamespace, res.Hash)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestFailedSendLeavesNoMark(t *testing.T) {
	ctx := context.Background()
	_, a, _ := pair(t, Options{})

	flaky := &flakyLog{Store: a.log}
	flaky.fails.Store(1)
	a.engine.log = flaky

	_, err := a.engine.Send(ctx, "never stored")
	require.Error(t, err)

	n, err := a.log.Count(chatCode)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, a.engine.seen.(*seen.MemorySet).Len())
}
