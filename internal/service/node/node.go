// Package node runs one chat session: it picks the server or client role,
// performs the key exchange and keeps the push and poll paths running until
// Stop.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"pq_chat/internal/config"
	"pq_chat/internal/model"
	"pq_chat/internal/protocol/handshake"
	"pq_chat/internal/protocol/sealer"
	"pq_chat/internal/repository/chatlog"
	"pq_chat/internal/repository/identity"
	"pq_chat/internal/service/client"
	"pq_chat/internal/service/discovery"
	"pq_chat/internal/service/registry"
	"pq_chat/internal/service/seen"
	"pq_chat/internal/service/server"
	"pq_chat/internal/service/syncer"
	"pq_chat/internal/utils/log"

	"go.uber.org/zap"
)

type Role string

const (
	RoleNone   Role = ""
	RoleServer Role = "server"
	RoleClient Role = "client"

	PartnerJoinedNotice = "[System] Partner connected, messages are end-to-end encrypted."
	shutdownTimeout     = 3 * time.Second
)

var ErrNoChatCode = errors.New("chat code is required")

type (
	Discovery interface {
		Resolve(ctx context.Context, chatCode string) (*discovery.Peer, error)
		Announce(chatCode string, port int) (*discovery.Announcement, error)
	}

	Deps struct {
		Identities identity.Store
		Seen       seen.Set
		Discovery  Discovery
		// Closers run on Stop, after everything else.
		Closers []func() error
	}

	Node struct {
		cfg        *config.Config
		crypto     *sealer.Engine
		identities identity.Store
		chatLog    *chatlog.Store
		session    *handshake.Session
		engine     *syncer.Engine
		discovery  Discovery
		pusher     *client.Client
		closers    []func() error

		mu           sync.Mutex
		role         Role
		server       *server.HttpServer
		receiver     *server.Receiver
		announcement *discovery.Announcement
		remote       *client.Client
		cancel       context.CancelFunc
		wg           sync.WaitGroup
	}
)

func New(cfg *config.Config, deps Deps) (*Node, error) {
	if cfg.ChatCode == "" {
		return nil, ErrNoChatCode
	}
	if err := chatlog.ValidSession(cfg.ChatCode); err != nil {
		return nil, err
	}

	crypto, err := sealer.NewByName(cfg.KEM.Scheme)
	if err != nil {
		return nil, err
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	chatLog, err := chatlog.New(cfg.ChatsDir(), chatlog.Options{
		MaxEntrySize: cfg.ChatLog.MaxEntrySize,
		Sync:         cfg.ChatLog.Sync,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		crypto:     crypto,
		identities: deps.Identities,
		chatLog:    chatLog,
		session:    handshake.NewSession(cfg.ChatCode, crypto.ValidatePublicKey),
		discovery:  deps.Discovery,
		pusher:     client.NewPusher(cfg.Sync.PushTimeout),
		closers:    deps.Closers,
	}
	n.engine = syncer.NewEngine(
		n.session,
		crypto,
		chatLog,
		deps.Seen,
		registry.New(cfg.Registry.MaxFailures),
		n,
		syncer.Options{
			Name:             cfg.Name,
			PushTimeout:      cfg.Sync.PushTimeout,
			BroadcastTimeout: cfg.Sync.BroadcastTimeout,
		},
	)
	return n, nil
}

func (n *Node) Engine() *syncer.Engine {
	return n.engine
}

func (n *Node) Messages() <-chan model.ChatMessage {
	return n.engine.Messages()
}

func (n *Node) ChatCode() string {
	return n.cfg.ChatCode
}

func (n *Node) State() handshake.State {
	return n.session.State()
}

func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// ServerAddr is the bound address of the server role, empty otherwise.
func (n *Node) ServerAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.server == nil {
		return ""
	}
	return n.server.Addr()
}

// Push routes a payload to the websocket hub or over HTTP.
func (n *Node) Push(ctx context.Context, ep model.PeerEndpoint, sealed []byte) error {
	n.mu.Lock()
	srv := n.server
	n.mu.Unlock()

	if srv != nil && srv.Hub().Owns(ep) {
		return srv.Hub().Push(ctx, ep, sealed)
	}
	return n.pusher.Push(ctx, ep, sealed)
}

// LoadIdentity installs the local key pair, creating it on first use, and
// the partner key kept from an earlier run.
func (n *Node) LoadIdentity(ctx context.Context) error {
	id, created, err := identity.GetOrCreate(ctx, n.identities, n.cfg.ChatCode, n.crypto.GenerateIdentity)
	if err != nil {
		return err
	}
	if created {
		log.Info("identity created", zap.String("chat_code", n.cfg.ChatCode))
	}
	n.session.Start(id)

	peerKey, err := n.identities.GetPeerKey(ctx, n.cfg.ChatCode)
	switch {
	case errors.Is(err, identity.ErrNotFound):
	case err != nil:
		return err
	default:
		if _, err := n.session.SetPeerKey(peerKey); err != nil {
			log.Warn("stored peer key ignored", zap.Error(err))
		}
	}
	return nil
}

// Start loads the identity, then becomes the client of a partner found on
// the network or the server when none answers.
func (n *Node) Start(ctx context.Context) error {
	if err := n.LoadIdentity(ctx); err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	n.engine.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	peer, err := n.discovery.Resolve(ctx, n.cfg.ChatCode)
	if err != nil {
		if !errors.Is(err, discovery.ErrDiscoveryTimeout) {
			log.Warn("discovery failed, starting as server", zap.Error(err))
		}
		return n.startServer(runCtx)
	}
	return n.startClient(ctx, runCtx, peer.URL())
}

// AcceptPeerKey pairs the session with pub and keeps it for later runs.
func (n *Node) AcceptPeerKey(ctx context.Context, pub []byte) error {
	_, hadKey := n.session.PeerKey()
	replaced, err := n.session.SetPeerKey(pub)
	if err != nil {
		return err
	}
	if replaced {
		log.Warn("partner public key replaced", zap.String("chat_code", n.cfg.ChatCode))
	}
	if !hadKey || replaced {
		n.engine.Notify(PartnerJoinedNotice)
	}

	if err := n.identities.SavePeerKey(ctx, n.cfg.ChatCode, pub); err != nil {
		log.Error("save peer key failed", zap.Error(err))
	}
	return nil
}

func (n *Node) startServer(runCtx context.Context) error {
	srv := server.NewHttpServer(server.Config{
		Addr:      net.JoinHostPort("", strconv.Itoa(n.cfg.Server.Port)),
		RateLimit: n.cfg.Server.RateLimit,
		RateBurst: n.cfg.Server.RateBurst,
	}, n.engine, n.chatLog, n.AcceptPeerKey)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	n.mu.Lock()
	n.role = RoleServer
	n.server = srv
	n.mu.Unlock()
	log.Info("running as server", zap.String("addr", srv.Addr()))

	ann, err := n.discovery.Announce(n.cfg.ChatCode, n.cfg.Server.Port)
	if err != nil {
		log.Warn("mdns announce failed", zap.Error(err))
	} else {
		n.mu.Lock()
		n.announcement = ann
		n.mu.Unlock()
	}

	if n.cfg.Sync.WatchLocalLog {
		cursor, err := n.chatLog.Length(n.cfg.ChatCode)
		if err != nil {
			return err
		}
		n.runPoller(runCtx, syncer.LocalSource{Log: n.chatLog}, cursor, nil)
	}
	return nil
}

func (n *Node) startClient(ctx, runCtx context.Context, base string) error {
	remote, err := client.New(base, n.cfg.ChatCode, n.cfg.Sync.RequestTimeout)
	if err != nil {
		return err
	}

	serverKey, err := remote.ExchangeKeys(ctx, n.session.Identity().PublicKey)
	if err != nil {
		return fmt.Errorf("key exchange with %s: %w", base, err)
	}
	if err := n.AcceptPeerKey(ctx, serverKey); err != nil {
		return fmt.Errorf("key exchange with %s: %w", base, err)
	}

	n.mu.Lock()
	n.role = RoleClient
	n.remote = remote
	n.mu.Unlock()
	log.Info("running as client", zap.String("server", base))

	// every send is posted to the server, whatever earlier pushes did
	n.engine.Registry().Pin(remote.MessageEndpoint())

	var register func(ctx context.Context) error

	switch n.cfg.Sync.PushMode {
	case config.PushModeWebsocket:
		n.runStream(runCtx, remote)
	default:
		if err := n.startReceiver(ctx, remote); err != nil {
			// polling still delivers everything
			log.Warn("push receiver unavailable", zap.Error(err))
		} else {
			register = func(ctx context.Context) error {
				return remote.Register(ctx, n.callbackURL())
			}
		}
	}

	cursor := chatlog.Cursor(0)
	if !n.cfg.Sync.ReplayHistory {
		if cursor, err = remote.Length(ctx); err != nil {
			return err
		}
	}
	n.runPoller(runCtx, remote, cursor, register)
	return nil
}

// callbackURL is where the server pushes to, on the receiver's bound port.
func (n *Node) callbackURL() string {
	port := strconv.Itoa(n.cfg.Client.Port)
	n.mu.Lock()
	if n.receiver != nil {
		if _, p, err := net.SplitHostPort(n.receiver.Addr()); err == nil {
			port = p
		}
	}
	n.mu.Unlock()
	return "http://" + net.JoinHostPort(discovery.LocalIP(), port) + server.ClientPath
}

func (n *Node) startReceiver(ctx context.Context, remote *client.Client) error {
	recv := server.NewReceiver(server.Config{
		Addr:      net.JoinHostPort("", strconv.Itoa(n.cfg.Client.Port)),
		RateLimit: n.cfg.Server.RateLimit,
		RateBurst: n.cfg.Server.RateBurst,
	}, n.engine)
	if err := recv.Start(); err != nil {
		return err
	}

	n.mu.Lock()
	n.receiver = recv
	n.mu.Unlock()

	return remote.Register(ctx, n.callbackURL())
}

// runStream keeps a websocket to the server open, redialing after a
// failure.
func (n *Node) runStream(ctx context.Context, remote *client.Client) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			err := remote.Stream(ctx, func(sealed []byte) {
				n.engine.ReceivePushed(ctx, sealed)
			})
			if ctx.Err() != nil {
				return
			}
			log.Debug("stream dropped", zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(n.cfg.Sync.PollInterval * 5):
			}
		}
	}()
}

func (n *Node) runPoller(ctx context.Context, src syncer.Source, cursor chatlog.Cursor, onRecover func(context.Context) error) {
	p := syncer.NewPoller(n.engine, src, cursor, syncer.PollerOptions{
		Interval:       n.cfg.Sync.PollInterval,
		RequestTimeout: n.cfg.Sync.RequestTimeout,
		MaxErrors:      n.cfg.Sync.MaxConsecutiveErrors,
		OnRecover:      onRecover,
	})

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		p.Run(ctx)
	}()
}

func (n *Node) Send(ctx context.Context, text string) (*syncer.SendResult, error) {
	return n.engine.Send(ctx, text)
}

// Stop ends the background loops and lets in-flight requests finish
// within a short grace period.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	srv, recv, ann := n.server, n.receiver, n.announcement
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ann.Shutdown()

	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
	}
	if recv != nil {
		if err := recv.Shutdown(ctx); err != nil {
			log.Warn("receiver shutdown", zap.Error(err))
		}
	}

	n.wg.Wait()
	n.engine.Stop()
	if err := n.chatLog.Close(); err != nil {
		log.Warn("close chat log", zap.Error(err))
	}
	for _, c := range n.closers {
		if err := c(); err != nil {
			log.Warn("close dependency", zap.Error(err))
		}
	}
}
