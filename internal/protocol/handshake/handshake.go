// Package handshake tracks the key exchange state of one chat session.
//
// A session starts UNPAIRED, moves to KEY_EXCHANGE_PENDING once the local
// identity is known and to PAIRED as soon as a peer public key arrives. It
// never leaves PAIRED; a later peer key replaces the earlier one.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"pq_chat/internal/model"
)

type State int

const (
	Unpaired State = iota
	KeyExchangePending
	Paired
)

var ErrInvalidPeerKey = errors.New("invalid peer public key")

func (s State) String() string {
	switch s {
	case Unpaired:
		return "UNPAIRED"
	case KeyExchangePending:
		return "KEY_EXCHANGE_PENDING"
	case Paired:
		return "PAIRED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type (
	// KeyValidator rejects malformed public keys before they are accepted.
	KeyValidator func(pub []byte) error

	Session struct {
		mu       sync.RWMutex
		chatCode string
		state    State
		identity *model.KeyPair
		peerKey  []byte
		validate KeyValidator

		paired     chan struct{}
		pairedOnce sync.Once
	}
)

func NewSession(chatCode string, validate KeyValidator) *Session {
	return &Session{
		chatCode: chatCode,
		state:    Unpaired,
		validate: validate,
		paired:   make(chan struct{}),
	}
}

func (s *Session) ChatCode() string {
	return s.chatCode
}

// Start installs the local identity.
func (s *Session) Start(identity *model.KeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = identity
	if s.state == Unpaired {
		s.state = KeyExchangePending
	}
}

// SetPeerKey accepts the peer's public key and reports whether it replaced
// a different key that was already on record.
func (s *Session) SetPeerKey(pub []byte) (replaced bool, err error) {
	if len(pub) == 0 {
		return false, ErrInvalidPeerKey
	}
	if s.validate != nil {
		if err := s.validate(pub); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
		}
	}

	s.mu.Lock()
	replaced = s.peerKey != nil && !bytes.Equal(s.peerKey, pub)
	s.peerKey = append([]byte(nil), pub...)
	s.state = Paired
	s.mu.Unlock()

	s.pairedOnce.Do(func() { close(s.paired) })
	return replaced, nil
}

func (s *Session) PeerKey() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.peerKey == nil {
		return nil, false
	}
	return s.peerKey, true
}

func (s *Session) Identity() *model.KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Paired is closed the first time the session becomes PAIRED.
func (s *Session) Paired() <-chan struct{} {
	return s.paired
}
