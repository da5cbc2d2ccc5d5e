// This package provides the symmetric sealing used for attachment and avatar
// ciphertexts. Ciphertexts are nonce-prefixed chacha20poly1305.
package crypto

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = nacl.KeySize

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func NewKey() nacl.Key {
	return nacl.NewKey()
}

func SealWithKey(key nacl.Key, msg, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, msg, ad), nil
}

func OpenWithKey(key nacl.Key, enc, ad []byte) ([]byte, error) {
	if len(enc) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("crypto: ciphertext too short, got %d bytes", len(enc))
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce, body := enc[:chacha20poly1305.NonceSize], enc[chacha20poly1305.NonceSize:]
	return cipher.Open(nil, nonce, body, ad)
}
