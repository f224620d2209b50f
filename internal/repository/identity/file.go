package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pq_chat/internal/model"

	hpqc "github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/pem"
)

type (
	// FileStore keeps PEM key files: <keys>/<code>_private.pem,
	// <keys>/<code>_public.pem and <shared>/<code>_peer.pem.
	FileStore struct {
		keysDir   string
		sharedDir string
		scheme    hpqc.Scheme
	}
)

func NewFileStore(keysDir, sharedDir string, scheme hpqc.Scheme) (*FileStore, error) {
	for _, dir := range []string{keysDir, sharedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &FileStore{
		keysDir:   keysDir,
		sharedDir: sharedDir,
		scheme:    scheme,
	}, nil
}

func (s *FileStore) PrivateKeyPath(chatCode string) string {
	return filepath.Join(s.keysDir, chatCode+"_private.pem")
}

func (s *FileStore) PublicKeyPath(chatCode string) string {
	return filepath.Join(s.keysDir, chatCode+"_public.pem")
}

func (s *FileStore) PeerKeyPath(chatCode string) string {
	return filepath.Join(s.sharedDir, chatCode+"_peer.pem")
}

func (s *FileStore) Get(_ context.Context, chatCode string) (*model.KeyPair, error) {
	path := s.PrivateKeyPath(chatCode)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}

	sk, err := pem.FromPrivatePEMFile(path, s.scheme)
	if err != nil {
		return nil, fmt.Errorf("load private key %s: %w", path, err)
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pub, err := sk.Public().MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &model.KeyPair{
		Scheme:     s.scheme.Name(),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

func (s *FileStore) Create(_ context.Context, chatCode string, kp *model.KeyPair) error {
	sk, err := s.scheme.UnmarshalBinaryPrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	pk, err := s.scheme.UnmarshalBinaryPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}

	if err := writeFile(s.PrivateKeyPath(chatCode), pem.ToPrivatePEMBytes(sk)); err != nil {
		return err
	}
	return writeFile(s.PublicKeyPath(chatCode), pem.ToPublicPEMBytes(pk))
}

func (s *FileStore) GetPeerKey(_ context.Context, chatCode string) ([]byte, error) {
	path := s.PeerKeyPath(chatCode)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	pk, err := pem.FromPublicPEMFile(path, s.scheme)
	if err != nil {
		return nil, fmt.Errorf("load peer key %s: %w", path, err)
	}
	return pk.MarshalBinary()
}

func (s *FileStore) SavePeerKey(_ context.Context, chatCode string, pub []byte) error {
	pk, err := s.scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return fmt.Errorf("peer key: %w", err)
	}
	return writeFile(s.PeerKeyPath(chatCode), pem.ToPublicPEMBytes(pk))
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, 0o600)
}
