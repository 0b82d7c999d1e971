// Package crypto implements the per-room end-to-end encryption used by
// hushbox clients. Every participant derives the same AES-256-GCM key from
// the shared room password; the key never crosses the wire. The password
// hash sent to the server is a separate one-way digest used purely as an
// access credential.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	iterations = 100_000
	keySize    = 32
	nonceSize  = 12

	// Salt used when a room has no name to derive from.
	defaultSalt = "default_salt"

	// Inputs shorter than this can't be nonce+ciphertext; they pass
	// through Decrypt untouched.
	minCiphertextLength = 20
)

// Session holds the symmetric key material for one joined room. It lives
// in client memory only, for the lifetime of the room membership.
type Session struct {
	aead cipher.AEAD
}

// NewSession derives an AES-256-GCM key from the room password, salted
// with the room name so that equal passwords in different rooms yield
// different keys.
func NewSession(password, roomName string) (*Session, error) {
	salt := roomName
	if salt == "" {
		salt = defaultSalt
	}

	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Session{aead: aead}, nil
}

// HashPassword produces the hex digest sent to the server as the room
// access credential. It is not the encryption key.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Encrypt seals data under a fresh random 96-bit nonce and returns
// base64(nonce || ciphertext). A new nonce per call is mandatory; reuse
// would break GCM's confidentiality guarantee.
func (s *Session) Encrypt(data []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := s.aead.Seal(nonce, nonce, data, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Inputs that do not look like ciphertext (too
// short, or a raw data: URI from a pre-encryption client), and inputs
// that fail to decode or authenticate, are returned unchanged rather than
// reported as errors. Mixed encrypted/plaintext rooms stay readable at
// the cost of genuine corruption surfacing as garbled "plaintext".
func (s *Session) Decrypt(data string) string {
	if len(data) < minCiphertextLength || strings.HasPrefix(data, "data:") {
		return data
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(raw) <= nonceSize {
		return data
	}

	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return data
	}

	return string(plaintext)
}
