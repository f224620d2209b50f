package kem

import (
	"encoding/hex"
	"fmt"
	"strings"

	hpqc "github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/kem/xwing"
	"golang.org/x/crypto/sha3"
)

const DefaultScheme = "MLKEM768"

var supported = map[string]hpqc.Scheme{
	strings.ToUpper(mlkem768.Scheme().Name()): mlkem768.Scheme(),
	strings.ToUpper(xwing.Scheme().Name()):    xwing.Scheme(),
}

// SchemeByName resolves a configured KEM name, case-insensitively.
func SchemeByName(name string) (hpqc.Scheme, error) {
	s, ok := supported[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported kem scheme %q", name)
	}
	return s, nil
}

// Generate a new key pair and return both halves in their packed binary form.
func NewKeyPair(s hpqc.Scheme) (pub, priv []byte, err error) {
	pk, sk, err := s.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	pub, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	priv, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Fingerprint is the hex SHA3-256 of a packed public key, for comparing
// keys out of band.
func Fingerprint(pub []byte) string {
	sum := sha3.Sum256(pub)
	return hex.EncodeToString(sum[:])
}
