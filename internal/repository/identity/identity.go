// Package identity persists the local KEM key pair of each chat session and
// the last public key received from the partner.
package identity

import (
	"context"
	"errors"
	"fmt"

	"pq_chat/internal/model"
)

var ErrNotFound = errors.New("identity not found")

type (
	Store interface {
		Get(ctx context.Context, chatCode string) (*model.KeyPair, error)
		Create(ctx context.Context, chatCode string, kp *model.KeyPair) error
		GetPeerKey(ctx context.Context, chatCode string) ([]byte, error)
		SavePeerKey(ctx context.Context, chatCode string, pub []byte) error
	}

	Generator func() (*model.KeyPair, error)
)

// GetOrCreate loads the identity for chatCode, generating and storing a new
// one when none exists yet.
func GetOrCreate(ctx context.Context, s Store, chatCode string, gen Generator) (*model.KeyPair, bool, error) {
	kp, err := s.Get(ctx, chatCode)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	kp, err = gen()
	if err != nil {
		return nil, false, fmt.Errorf("generate identity: %w", err)
	}
	if err := s.Create(ctx, chatCode, kp); err != nil {
		return nil, false, fmt.Errorf("store identity: %w", err)
	}
	return kp, true, nil
}
