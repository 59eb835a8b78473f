package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenPrefix = "v1:"
	kdfInfo     = "execguard/credential-vault/v1"
)

var (
	// ErrEmptyKey an empty encryption secret was supplied.
	ErrEmptyKey = errors.New("encryption key is empty")
	// ErrMalformedToken stored value is not a vault token.
	ErrMalformedToken = errors.New("malformed encrypted value")
)

// Cipher encrypts credential secrets with XChaCha20-Poly1305.
// The AEAD key is derived from the configured secret with HKDF-SHA256, so any
// non-empty secret (passphrase or random base64 string) yields a full-strength key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the vault key from secret.
func NewCipher(secret string) (*Cipher, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptyKey
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(kdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "derive vault key")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext into a versioned, base64 token.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", ErrMalformedToken
	}

	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return "", ErrMalformedToken
	}
	if len(sealed) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", ErrMalformedToken
	}

	nonce, body := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", errors.Wrap(err, "open sealed value")
	}

	return string(plaintext), nil
}
