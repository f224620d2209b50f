package kdf

import (
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	MessageKeySize   = 32
	MessageNonceSize = 12
)

var messageInfo = []byte("pq_chat message key v1")

// HKDF expands secret into buffer with HKDF over SHA3-512.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha3.New512, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// MessageKey derives the one-time AEAD key and nonce for a single sealed
// message from its KEM shared secret.
func MessageKey(sharedSecret []byte) (key, nonce []byte, err error) {
	buf := make([]byte, MessageKeySize+MessageNonceSize)
	if _, err := HKDF(sharedSecret, nil, messageInfo, buf); err != nil {
		return nil, nil, err
	}
	return buf[:MessageKeySize], buf[MessageKeySize:], nil
}
