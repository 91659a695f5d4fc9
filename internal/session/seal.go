package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo scopes the derived key to session cookies.
const hkdfInfo = "guardpost session cookie v1"

// Sealing errors.
var (
	ErrSealMalformed = errors.New("sealed value is malformed")
	ErrSealExpired   = errors.New("sealed value has expired")
)

// Sealer encrypts and authenticates cookie payloads with XChaCha20-Poly1305.
//
// The key is derived from the configured cookie password with HKDF-SHA256.
// Every sealed value embeds the time it was sealed; when ttl is positive,
// values older than ttl are refused.
type Sealer struct {
	aead cipher.AEAD
	ttl  time.Duration
	now  func() time.Time
}

// NewSealer creates a Sealer from password. The password must be at least
// MinPasswordLength bytes.
func NewSealer(password string, ttl time.Duration) (*Sealer, error) {
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("cookie password must be at least %d characters", MinPasswordLength)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(password), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive cookie key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cookie cipher: %w", err)
	}

	return &Sealer{aead: aead, ttl: ttl, now: time.Now}, nil
}

// Seal encrypts plaintext and returns a URL-safe string suitable for a cookie value.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+8+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := make([]byte, 8+len(plaintext))
	binary.BigEndian.PutUint64(payload, uint64(s.now().Unix()))
	copy(payload[8:], plaintext)

	sealed := s.aead.Seal(nonce, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a value produced by Seal.
func (s *Sealer) Open(value string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrSealMalformed
	}
	if len(raw) < s.aead.NonceSize()+s.aead.Overhead()+8 {
		return nil, ErrSealMalformed
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	payload, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealMalformed
	}

	if s.ttl > 0 {
		sealedAt := time.Unix(int64(binary.BigEndian.Uint64(payload[:8])), 0)
		if s.now().Sub(sealedAt) > s.ttl {
			return nil, ErrSealExpired
		}
	}

	return payload[8:], nil
}
