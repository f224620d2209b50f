package kem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeByName(t *testing.T) {
	for _, name := range []string{"MLKEM768", "mlkem768", "XWING", "xwing"} {
		s, err := SchemeByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, s)
	}

	_, err := SchemeByName("kyber512")
	assert.Error(t, err)
}

func TestNewKeyPairSizes(t *testing.T) {
	s, err := SchemeByName(DefaultScheme)
	require.NoError(t, err)

	pub, priv, err := NewKeyPair(s)
	require.NoError(t, err)
	assert.Len(t, pub, s.PublicKeySize())
	assert.Len(t, priv, s.PrivateKeySize())
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("key a"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint([]byte("key a")))
	assert.NotEqual(t, a, Fingerprint([]byte("key b")))
}
