// Package sealer seals chat messages to a recipient's KEM public key and
// opens them with the matching private key.
//
// A sealed message is laid out as
//
//	encapsulated_key || auth_tag || ciphertext
//
// where the encapsulated key length is fixed by the KEM scheme and the tag
// is the 16-byte AES-GCM tag.
package sealer

import (
	"errors"
	"fmt"

	"pq_chat/internal/cryptographic/encryption"
	"pq_chat/internal/cryptographic/kdf"
	"pq_chat/internal/cryptographic/kem"
	"pq_chat/internal/model"

	hpqc "github.com/katzenpost/hpqc/kem"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrTooShort   = errors.New("sealed message too short")
	// ErrAuthentication covers every cryptographic failure of Open. The
	// cause is deliberately not distinguished.
	ErrAuthentication = errors.New("message authentication failed")
)

type (
	Engine struct {
		scheme hpqc.Scheme
	}
)

func New(scheme hpqc.Scheme) *Engine {
	return &Engine{scheme: scheme}
}

func NewByName(name string) (*Engine, error) {
	s, err := kem.SchemeByName(name)
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

func (e *Engine) Scheme() string {
	return e.scheme.Name()
}

// EncapsulatedKeySize is the fixed KEM ciphertext length for this scheme.
func (e *Engine) EncapsulatedKeySize() int {
	return e.scheme.CiphertextSize()
}

func (e *Engine) MinSealedSize() int {
	return e.scheme.CiphertextSize() + encryption.TagSize
}

func (e *Engine) GenerateIdentity() (*model.KeyPair, error) {
	pub, priv, err := kem.NewKeyPair(e.scheme)
	if err != nil {
		return nil, err
	}
	return &model.KeyPair{
		Scheme:     e.scheme.Name(),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// ValidatePublicKey reports ErrInvalidKey when pub is not a well-formed
// public key of this scheme.
func (e *Engine) ValidatePublicKey(pub []byte) error {
	_, err := e.parsePublicKey(pub)
	return err
}

func (e *Engine) parsePublicKey(pub []byte) (hpqc.PublicKey, error) {
	if len(pub) != e.scheme.PublicKeySize() {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(pub), e.scheme.PublicKeySize())
	}
	pk, err := e.scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pk, nil
}

func (e *Engine) Seal(plaintext, recipientPublicKey []byte) ([]byte, error) {
	pk, err := e.parsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}

	encapsulated, shared, err := e.scheme.Encapsulate(pk)
	if err != nil {
		return nil, fmt.Errorf("%w: encapsulate: %v", ErrInvalidKey, err)
	}

	key, nonce, err := kdf.MessageKey(shared)
	if err != nil {
		return nil, err
	}

	tag, ciphertext, err := encryption.SealDetached(key, nonce, plaintext, encapsulated)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(encapsulated)+len(tag)+len(ciphertext))
	out = append(out, encapsulated...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

func (e *Engine) Open(payload, privateKey []byte) ([]byte, error) {
	if len(payload) < e.MinSealedSize() {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTooShort, len(payload), e.MinSealedSize())
	}
	if len(privateKey) != e.scheme.PrivateKeySize() {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrInvalidKey, len(privateKey), e.scheme.PrivateKeySize())
	}
	sk, err := e.scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	ekSize := e.scheme.CiphertextSize()
	encapsulated := payload[:ekSize]
	tag := payload[ekSize : ekSize+encryption.TagSize]
	ciphertext := payload[ekSize+encryption.TagSize:]

	shared, err := e.scheme.Decapsulate(sk, encapsulated)
	if err != nil {
		return nil, ErrAuthentication
	}

	key, nonce, err := kdf.MessageKey(shared)
	if err != nil {
		return nil, ErrAuthentication
	}

	plain, err := encryption.OpenDetached(key, nonce, tag, ciphertext, encapsulated)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}
