package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const TagSize = 16

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

// AES-256-GCM with the tag returned separately from the ciphertext. The key
// must be used for a single message since the nonce is caller supplied.
func SealDetached(key, nonce, plaintext, aad []byte) (tag, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	out := aead.Seal(nil, nonce, plaintext, aad)
	split := len(out) - TagSize
	return out[split:], out[:split], nil
}

func OpenDetached(key, nonce, tag, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("tag must be %d bytes", TagSize)
	}
	buf := make([]byte, 0, len(ciphertext)+TagSize)
	buf = append(buf, ciphertext...)
	buf = append(buf, tag...)
	plain, err := aead.Open(nil, nonce, buf, aad)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}
	return plain, nil
}
