package transport

import (
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecrypt is returned when a packet fails authenticated decryption.
var ErrDecrypt = errors.New("transport: packet authentication failed")

// Cipher opens one encrypted media payload. The nonce is derived from the
// packet's raw header so no nonce is carried separately.
type Cipher interface {
	Open(header, ciphertext []byte) ([]byte, error)
}

// secretboxCipher implements the relay's xsalsa20_poly1305 mode. The
// 24-byte nonce is the 12 raw header bytes followed by a zero tail.
type secretboxCipher struct {
	key [32]byte
}

// NewSecretboxCipher builds a Cipher from the session secret key delivered
// in the session description. The key must be exactly 32 bytes.
func NewSecretboxCipher(key []byte) (Cipher, error) {
	if len(key) != 32 {
		return nil, errors.New("transport: secret key must be 32 bytes")
	}
	c := &secretboxCipher{}
	copy(c.key[:], key)
	return c, nil
}

func (c *secretboxCipher) Open(header, ciphertext []byte) ([]byte, error) {
	var nonce [24]byte
	copy(nonce[:], header)
	plain, ok := secretbox.Open(nil, ciphertext, &nonce, &c.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
