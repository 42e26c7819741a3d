// Package envelope encrypts sensitive fields at rest with AES-256-GCM under a
// data key held in the external secret store.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tasktrack/tasktrack/internal/apperr"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/secrets"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	ivSize    = 12
	tagSize   = 16
	digestTag = "tasktrack/lookup-digest/v1"
)

// DefaultKeyCacheTTL bounds how long a fetched data key is reused
const DefaultKeyCacheTTL = 5 * time.Minute

// Envelope is the serialized form of one encrypted value
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

// cachedKey holds a data key and the lookup subkey derived from it.
type cachedKey struct {
	aead      cipher.AEAD
	digestKey []byte
	expiresAt time.Time
}

// Service encrypts and decrypts field values. The only mutable state is the
// key cache.
type Service struct {
	store    secrets.Store
	keyID    string
	cacheTTL time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*cachedKey
}

// NewService creates a new envelope Service
func NewService(store secrets.Store, keyID string, cacheTTL time.Duration, log *logger.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultKeyCacheTTL
	}
	return &Service{
		store:    store,
		keyID:    keyID,
		cacheTTL: cacheTTL,
		log:      log.WithComponent("envelope"),
		now:      time.Now,
		cache:    make(map[string]*cachedKey),
	}
}

// Encrypt seals plaintext under the data key with a fresh random IV and
// returns the JSON envelope.
func (s *Service) Encrypt(ctx context.Context, plaintext string) (string, error) {
	key, err := s.key(ctx)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := key.aead.Seal(nil, iv, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out, err := json.Marshal(Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(body),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(out), nil
}

// Decrypt opens an envelope produced by Encrypt. The tag is checked before
// any plaintext is returned; any malformed or tampered envelope yields an
// integrity error.
func (s *Service) Decrypt(ctx context.Context, envelope string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(envelope), &env); err != nil {
		return "", apperr.Integrity("malformed envelope", err)
	}

	body, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", apperr.Integrity("malformed envelope ciphertext", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return "", apperr.Integrity("malformed envelope iv", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagSize {
		return "", apperr.Integrity("malformed envelope auth tag", err)
	}

	key, err := s.key(ctx)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := key.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", apperr.Integrity("envelope authentication failed", err)
	}
	return string(plaintext), nil
}

// Digest returns a deterministic keyed digest of value, suitable as a
// lookup key for values that are otherwise stored encrypted.
func (s *Service) Digest(ctx context.Context, value string) (string, error) {
	key, err := s.key(ctx)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key.digestKey)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// key returns the cached data key, fetching it from the secret store when
// absent or expired.
func (s *Service) key(ctx context.Context) (*cachedKey, error) {
	now := s.now()

	s.mu.RLock()
	ck, ok := s.cache[s.keyID]
	s.mu.RUnlock()
	if ok && now.Before(ck.expiresAt) {
		return ck, nil
	}

	raw, err := s.store.GetSecret(ctx, s.keyID)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return nil, fmt.Errorf("data key %s missing: %w", s.keyID, err)
		}
		return nil, apperr.TransientStore(fmt.Errorf("failed to fetch data key: %w", err))
	}

	ck, err = newCachedKey(raw, now.Add(s.cacheTTL))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[s.keyID] = ck
	s.mu.Unlock()

	s.log.Debug().Str("key_id", s.keyID).Msg("data key loaded")
	return ck, nil
}

func newCachedKey(raw []byte, expiresAt time.Time) (*cachedKey, error) {
	if len(raw) != keySize {
		return nil, fmt.Errorf("data key must be %d bytes, got %d", keySize, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	digestKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(digestTag)), digestKey); err != nil {
		return nil, fmt.Errorf("failed to derive digest key: %w", err)
	}

	return &cachedKey{aead: aead, digestKey: digestKey, expiresAt: expiresAt}, nil
}
