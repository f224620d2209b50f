package handshake

import (
	"errors"
	"sync"
	"testing"

	"pq_chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSize(n int) KeyValidator {
	return func(pub []byte) error {
		if len(pub) != n {
			return errors.New("wrong size")
		}
		return nil
	}
}

func TestSessionTransitions(t *testing.T) {
	type testCase struct {
		name      string
		start     bool
		peerKeys  [][]byte
		wantState State
		wantErr   error
	}

	testCases := []testCase{
		{name: "fresh session", wantState: Unpaired},
		{name: "identity only", start: true, wantState: KeyExchangePending},
		{name: "peer key while unpaired", peerKeys: [][]byte{{1, 2, 3, 4}}, wantState: Paired},
		{name: "peer key while pending", start: true, peerKeys: [][]byte{{1, 2, 3, 4}}, wantState: Paired},
		{name: "malformed key keeps pending", start: true, peerKeys: [][]byte{{1}}, wantState: KeyExchangePending, wantErr: ErrInvalidPeerKey},
		{name: "empty key rejected", peerKeys: [][]byte{nil}, wantState: Unpaired, wantErr: ErrInvalidPeerKey},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSession("123456", fixedSize(4))
			if tc.start {
				s.Start(&model.KeyPair{PublicKey: []byte("pub")})
			}
			var err error
			for _, k := range tc.peerKeys {
				_, err = s.SetPeerKey(k)
			}
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantState, s.State())
		})
	}
}

func TestStartAfterPairedStaysPaired(t *testing.T) {
	s := NewSession("c", nil)
	_, err := s.SetPeerKey([]byte("peer"))
	require.NoError(t, err)

	s.Start(&model.KeyPair{PublicKey: []byte("me")})
	assert.Equal(t, Paired, s.State())
	assert.Equal(t, []byte("me"), s.Identity().PublicKey)
}

func TestPeerKeyReplacement(t *testing.T) {
	s := NewSession("c", nil)

	replaced, err := s.SetPeerKey([]byte("first"))
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = s.SetPeerKey([]byte("first"))
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = s.SetPeerKey([]byte("second"))
	require.NoError(t, err)
	assert.True(t, replaced)

	key, ok := s.PeerKey()
	require.True(t, ok)
	assert.Equal(t, []byte("second"), key)
	assert.Equal(t, Paired, s.State())
}

func TestPairedSignal(t *testing.T) {
	s := NewSession("c", nil)
	select {
	case <-s.Paired():
		t.Fatal("paired before any key")
	default:
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.SetPeerKey([]byte{byte(i) + 1})
		}(i)
	}
	wg.Wait()

	<-s.Paired()
	assert.Equal(t, Paired, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNPAIRED", Unpaired.String())
	assert.Equal(t, "KEY_EXCHANGE_PENDING", KeyExchangePending.String())
	assert.Equal(t, "PAIRED", Paired.String())
	assert.Equal(t, "State(9)", State(9).String())
}
