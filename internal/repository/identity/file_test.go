package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pq_chat/internal/cryptographic/kem"
	"pq_chat/internal/model"
	"pq_chat/internal/protocol/sealer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T) (*FileStore, *sealer.Engine) {
	t.Helper()
	scheme, err := kem.SchemeByName(kem.DefaultScheme)
	require.NoError(t, err)

	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "keys"), filepath.Join(dir, "sharedkeys"), scheme)
	require.NoError(t, err)
	return s, sealer.New(scheme)
}

func TestGetOrCreateIsStable(t *testing.T) {
	ctx := context.Background()
	s, crypto := newFileStore(t)

	_, err := s.Get(ctx, "123456")
	assert.ErrorIs(t, err, ErrNotFound)

	first, created, err := GetOrCreate(ctx, s, "123456", crypto.GenerateIdentity)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := GetOrCreate(ctx, s, "123456", crypto.GenerateIdentity)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, first.PrivateKey, second.PrivateKey)

	info, err := os.Stat(s.PrivateKeyPath("123456"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(s.PublicKeyPath("123456"))
	assert.NoError(t, err)

	// the loaded key still opens what was sealed to it
	sealed, err := crypto.Seal([]byte("hi"), first.PublicKey)
	require.NoError(t, err)
	plain, err := crypto.Open(sealed, second.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(plain))
}

func TestPeerKey(t *testing.T) {
	ctx := context.Background()
	s, crypto := newFileStore(t)

	_, err := s.GetPeerKey(ctx, "123456")
	assert.ErrorIs(t, err, ErrNotFound)

	peer, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, s.SavePeerKey(ctx, "123456", peer.PublicKey))

	got, err := s.GetPeerKey(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, peer.PublicKey, got)

	other, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, s.SavePeerKey(ctx, "123456", other.PublicKey))
	got, err = s.GetPeerKey(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, other.PublicKey, got)

	assert.Error(t, s.SavePeerKey(ctx, "123456", []byte("not a key")))
}

func TestGetOrCreateGeneratorError(t *testing.T) {
	s, _ := newFileStore(t)
	boom := errors.New("no entropy")
	_, _, err := GetOrCreate(context.Background(), s, "123456", func() (*model.KeyPair, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}
