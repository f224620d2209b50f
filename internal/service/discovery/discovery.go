// Package discovery finds the partner of a chat code on the local network
// over mDNS and announces this node when it becomes the reachable side.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"pq_chat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/libp2p/zeroconf/v2"
	"go.uber.org/zap"
)

const (
	DefaultService = "_pqchat._tcp"
	DefaultDomain  = "local."
	DefaultTimeout = 5 * time.Second

	chatCodeKey = "chat_code="
)

var ErrDiscoveryTimeout = errors.New("no partner found on the local network")

type (
	Config struct {
		Service string
		Domain  string
		Timeout time.Duration
	}

	Peer struct {
		Instance string
		Host     string
		Port     int
	}

	Zeroconf struct {
		cfg Config
	}

	// Announcement is a running mDNS registration.
	Announcement struct {
		server *zeroconf.Server
	}
)

func New(cfg Config) *Zeroconf {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Zeroconf{cfg: cfg}
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Peer) URL() string {
	return "http://" + p.Addr()
}

// Resolve browses for a node announcing chatCode. No answer within the
// timeout yields ErrDiscoveryTimeout.
func (z *Zeroconf) Resolve(ctx context.Context, chatCode string) (*Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, z.cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- zeroconf.Browse(ctx, z.cfg.Service, z.cfg.Domain, entries)
	}()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return nil, ErrDiscoveryTimeout
			}
			if p, ok := match(e, chatCode); ok {
				log.Info("partner found", zap.String("instance", p.Instance), zap.String("addr", p.Addr()))
				return &p, nil
			}
		case err := <-browseErr:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("browse %s: %w", z.cfg.Service, err)
			}
			browseErr = nil
		case <-ctx.Done():
			return nil, ErrDiscoveryTimeout
		}
	}
}

func match(e *zeroconf.ServiceEntry, chatCode string) (Peer, bool) {
	if e == nil || len(e.AddrIPv4) == 0 {
		return Peer{}, false
	}
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, chatCodeKey); ok && v == chatCode {
			return Peer{
				Instance: e.Instance,
				Host:     e.AddrIPv4[0].String(),
				Port:     e.Port,
			}, true
		}
	}
	return Peer{}, false
}

// Announce registers this node for chatCode on port.
func (z *Zeroconf) Announce(chatCode string, port int) (*Announcement, error) {
	instance := "pqchat-" + uuid.NewString()[:8]
	server, err := zeroconf.Register(instance, z.cfg.Service, z.cfg.Domain, port, []string{chatCodeKey + chatCode}, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", z.cfg.Service, err)
	}
	log.Info("announced", zap.String("instance", instance), zap.Int("port", port))
	return &Announcement{server: server}, nil
}

func (a *Announcement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// LocalIP returns the address of the interface that routes to the LAN. No
// packet is sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
