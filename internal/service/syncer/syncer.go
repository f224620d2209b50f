// Package syncer keeps the two peers' views of a chat consistent. Messages
// travel by push to registered endpoints and by polling a durable log; a
// shared seen-set makes whichever path arrives second a no-op.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pq_chat/internal/metrics"
	"pq_chat/internal/model"
	"pq_chat/internal/protocol/handshake"
	"pq_chat/internal/protocol/sealer"
	"pq_chat/internal/repository/chatlog"
	"pq_chat/internal/service/registry"
	"pq_chat/internal/service/seen"
	"pq_chat/internal/utils/log"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPushTimeout      = 2 * time.Second
	DefaultBroadcastTimeout = 5 * time.Second

	logNamespace = "#log"
)

var (
	ErrNoPeerKey       = errors.New("no peer key yet, partner has not joined")
	ErrDeliveryTimeout = errors.New("push delivery timed out")
	ErrStopped         = errors.New("engine stopped")
)

type (
	// Pusher delivers a sealed payload to one endpoint.
	Pusher interface {
		Push(ctx context.Context, ep model.PeerEndpoint, sealed []byte) error
	}

	PusherFunc func(ctx context.Context, ep model.PeerEndpoint, sealed []byte) error

	// Log is the local append-only message log.
	Log interface {
		Append(session string, entry []byte) error
		ReadSince(session string, cursor chatlog.Cursor) ([][]byte, chatlog.Cursor, error)
		Length(session string) (chatlog.Cursor, error)
	}

	// Source is a log that can be polled, local or remote.
	Source interface {
		ReadSince(ctx context.Context, session string, cursor chatlog.Cursor) ([][]byte, chatlog.Cursor, error)
	}

	Options struct {
		// Name prefixes outgoing lines as "<name>: <text>".
		Name             string
		PushTimeout      time.Duration
		BroadcastTimeout time.Duration
		Clock            clock.Clock
	}

	SendResult struct {
		Hash      string
		Delivered int
		Failed    int
	}

	Engine struct {
		session  *handshake.Session
		sealer   *sealer.Engine
		log      Log
		seen     seen.Set
		registry *registry.Registry
		pusher   Pusher
		opts     Options

		mu      sync.Mutex
		pending []model.ChatMessage
		notify  chan struct{}
		out     chan model.ChatMessage

		running bool
		stopped bool
		done    chan struct{}
		pumped  chan struct{}
	}
)

func (f PusherFunc) Push(ctx context.Context, ep model.PeerEndpoint, sealed []byte) error {
	return f(ctx, ep, sealed)
}

func NewEngine(
	session *handshake.Session,
	sealer *sealer.Engine,
	log Log,
	seenSet seen.Set,
	reg *registry.Registry,
	pusher Pusher,
	opts Options,
) *Engine {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Engine{
		session:  session,
		sealer:   sealer,
		log:      log,
		seen:     seenSet,
		registry: reg,
		pusher:   pusher,
		opts:     opts,
		notify:   make(chan struct{}, 1),
		out:      make(chan model.ChatMessage),
		done:     make(chan struct{}),
		pumped:   make(chan struct{}),
	}
}

func (e *Engine) Session() *handshake.Session {
	return e.session
}

func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Messages yields every message to display, in delivery order. It is
// closed after Stop.
func (e *Engine) Messages() <-chan model.ChatMessage {
	return e.out
}

// Start runs the delivery pump. The receive paths never block on a slow
// reader of Messages.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.stopped {
		return
	}
	e.running = true
	go e.pump()
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	running := e.running
	e.mu.Unlock()

	close(e.done)
	if running {
		<-e.pumped
	} else {
		close(e.out)
	}
}

func (e *Engine) pump() {
	defer close(e.pumped)
	defer close(e.out)

	for {
		e.mu.Lock()
		items := e.pending
		e.pending = nil
		e.mu.Unlock()

		for _, m := range items {
			select {
			case e.out <- m:
			case <-e.done:
				return
			}
		}

		if len(items) > 0 {
			continue
		}
		select {
		case <-e.notify:
		case <-e.done:
			return
		}
	}
}

func (e *Engine) deliver(m model.ChatMessage) {
	e.mu.Lock()
	e.pending = append(e.pending, m)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Notify queues a system line for the application.
func (e *Engine) Notify(text string) {
	e.deliver(model.ChatMessage{
		ID:         uuid.NewString(),
		Session:    e.session.ChatCode(),
		Text:       text,
		Origin:     model.OriginSystem,
		ReceivedAt: e.opts.Clock.Now(),
	})
}

func (e *Engine) displaySet() string {
	return e.session.ChatCode()
}

func (e *Engine) logSet() string {
	return e.session.ChatCode() + logNamespace
}

// markSeen reports whether hash was absent from set. A failing set is
// treated as a miss so messages are shown rather than lost.
func (e *Engine) markSeen(ctx context.Context, set, hash string) bool {
	first, err := e.seen.Add(ctx, set, hash)
	if err != nil {
		log.Warn("seen set add failed", zap.String("hash", hash), zap.Error(err))
		return true
	}
	return first
}

// forgetSeen undoes markSeen for a payload that never reached the log.
func (e *Engine) forgetSeen(ctx context.Context, set, hash string) {
	if err := e.seen.Remove(ctx, set, hash); err != nil {
		log.Warn("seen set remove failed", zap.String("hash", hash), zap.Error(err))
	}
}

func (e *Engine) isSeen(ctx context.Context, set, hash string) bool {
	ok, err := e.seen.Contains(ctx, set, hash)
	if err != nil {
		log.Warn("seen set lookup failed", zap.String("hash", hash), zap.Error(err))
		return false
	}
	return ok
}

// Send seals text for the partner, appends it to the local log and pushes
// it to every registered endpoint. Push failures only show up in the
// result; the send succeeds once the append is done.
func (e *Engine) Send(ctx context.Context, text string) (*SendResult, error) {
	peerKey, ok := e.session.PeerKey()
	if !ok {
		return nil, ErrNoPeerKey
	}

	line := text
	if e.opts.Name != "" {
		line = model.FormatLine(e.opts.Name, text)
	}

	sealed, err := e.sealer.Seal([]byte(line), peerKey)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	hash := seen.Hash(sealed)
	e.markSeen(ctx, e.displaySet(), hash)
	e.markSeen(ctx, e.logSet(), hash)

	if err := e.log.Append(e.session.ChatCode(), sealed); err != nil {
		e.forgetSeen(ctx, e.logSet(), hash)
		e.forgetSeen(ctx, e.displaySet(), hash)
		return nil, fmt.Errorf("append: %w", err)
	}
	metrics.MessageSent()

	res := e.Broadcast(ctx, sealed)
	res.Hash = hash
	return res, nil
}

// Broadcast pushes sealed to a snapshot of the registry concurrently. Each
// push is bounded by the push timeout and the whole fan-out by the
// broadcast timeout. A failed endpoint is reported to the registry.
func (e *Engine) Broadcast(ctx context.Context, sealed []byte) *SendResult {
	res := &SendResult{}
	peers := e.registry.Snapshot()
	if len(peers) == 0 {
		return res
	}

	// in-flight pushes outlive a cancelled caller and end on their timeout
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.BroadcastTimeout)
	defer cancel()

	var delivered, failed atomic.Int32
	var g errgroup.Group
	for _, ep := range peers {
		ep := ep
		g.Go(func() error {
			if err := e.pushOne(bctx, ep, sealed); err != nil {
				failed.Add(1)
				removed := e.registry.ReportFailure(ep)
				log.Warn("push failed",
					zap.String("endpoint", ep.URL),
					zap.Bool("deregistered", removed),
					zap.Error(err))
				return nil
			}
			delivered.Add(1)
			e.registry.ReportSuccess(ep)
			return nil
		})
	}
	_ = g.Wait()

	metrics.Peers(e.registry.Len())
	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())
	return res
}

func (e *Engine) pushOne(ctx context.Context, ep model.PeerEndpoint, sealed []byte) error {
	pctx, cancel := context.WithTimeout(ctx, e.opts.PushTimeout)
	defer cancel()

	start := e.opts.Clock.Now()
	err := e.pusher.Push(pctx, ep, sealed)
	metrics.Push(err == nil, e.opts.Clock.Since(start).Seconds())
	if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrDeliveryTimeout, ep.URL, err)
	}
	return err
}

// ReceivePushed handles a payload a remote peer delivered directly and
// reports whether it was displayed.
func (e *Engine) ReceivePushed(ctx context.Context, sealed []byte) bool {
	_, ok := e.receive(ctx, sealed, model.OriginPush)
	return ok
}

// Accept stores a payload posted to this node, relays it to the registered
// endpoints and displays it locally. A payload already in the log is only
// offered to the display path.
func (e *Engine) Accept(ctx context.Context, sealed []byte) error {
	if len(sealed) < e.sealer.MinSealedSize() {
		return fmt.Errorf("%w: %d bytes", sealer.ErrTooShort, len(sealed))
	}

	hash := seen.Hash(sealed)
	if e.markSeen(ctx, e.logSet(), hash) {
		if err := e.log.Append(e.session.ChatCode(), sealed); err != nil {
			e.forgetSeen(ctx, e.logSet(), hash)
			return fmt.Errorf("append: %w", err)
		}
		e.Broadcast(ctx, sealed)
	} else {
		metrics.DuplicateDropped("accept")
	}

	e.receive(ctx, sealed, model.OriginPush)
	return nil
}

// Poll reads src after since and displays entries not seen before. The
// returned cursor always moves past every entry read, whether it opened
// or not.
func (e *Engine) Poll(ctx context.Context, src Source, since chatlog.Cursor) ([]model.ChatMessage, chatlog.Cursor, error) {
	entries, next, err := src.ReadSince(ctx, e.session.ChatCode(), since)
	if err != nil {
		return nil, since, err
	}

	var msgs []model.ChatMessage
	for _, entry := range entries {
		if m, ok := e.receive(ctx, entry, model.OriginPoll); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, next, nil
}

func (e *Engine) receive(ctx context.Context, sealed []byte, origin model.Origin) (model.ChatMessage, bool) {
	hash := seen.Hash(sealed)
	if e.isSeen(ctx, e.displaySet(), hash) {
		metrics.DuplicateDropped(string(origin))
		return model.ChatMessage{}, false
	}

	plain, err := e.open(sealed)
	if err != nil {
		metrics.OpenFailed()
		log.Debug("discarding payload",
			zap.String("origin", string(origin)),
			zap.String("hash", hash),
			zap.Error(err))
		return model.ChatMessage{}, false
	}

	// the push and poll paths may both get here; one wins
	if !e.markSeen(ctx, e.displaySet(), hash) {
		metrics.DuplicateDropped(string(origin))
		return model.ChatMessage{}, false
	}

	sender, text := model.SplitLine(string(plain))
	m := model.ChatMessage{
		ID:         hash,
		Session:    e.session.ChatCode(),
		Sender:     sender,
		Text:       text,
		Origin:     origin,
		ReceivedAt: e.opts.Clock.Now(),
	}
	metrics.MessageReceived(string(origin))
	e.deliver(m)
	return m, true
}

func (e *Engine) open(sealed []byte) ([]byte, error) {
	id := e.session.Identity()
	if id == nil {
		return nil, sealer.ErrInvalidKey
	}
	return e.sealer.Open(sealed, id.PrivateKey)
}

// History opens every entry of the local log. Entries that do not open
// with the local identity come back with ok false.
func (e *Engine) History() ([]HistoryEntry, error) {
	entries, _, err := e.log.ReadSince(e.session.ChatCode(), 0)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		plain, err := e.open(entry)
		if err != nil {
			out = append(out, HistoryEntry{})
			continue
		}
		out = append(out, HistoryEntry{Line: string(plain), OK: true})
	}
	return out, nil
}

type HistoryEntry struct {
	Line string
	OK   bool
}

// LocalSource polls the node's own log.
type LocalSource struct {
	Log Log
}

func (s LocalSource) ReadSince(_ context.Context, session string, cursor chatlog.Cursor) ([][]byte, chatlog.Cursor, error) {
	return s.Log.ReadSince(session, cursor)
}
