// Package secrets provides read access to the external secret store that
// holds the data encryption key.
package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/logger"
)

// ErrSecretNotFound is returned when no secret exists under an id
var ErrSecretNotFound = errors.New("secret not found")

// Store fetches secret material by identifier
type Store interface {
	GetSecret(ctx context.Context, id string) ([]byte, error)
}

// StaticStore serves secrets supplied through configuration. Values are
// base64-encoded in config and decoded once at construction.
type StaticStore struct {
	secrets map[string][]byte
}

// NewStaticStore decodes the configured secrets
func NewStaticStore(encoded map[string]string) (*StaticStore, error) {
	decoded := make(map[string][]byte, len(encoded))
	for id, value := range encoded {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("secret %q is not valid base64: %w", id, err)
		}
		decoded[id] = raw
	}
	return &StaticStore{secrets: decoded}, nil
}

// GetSecret returns a copy of the secret stored under id
func (s *StaticStore) GetSecret(_ context.Context, id string) ([]byte, error) {
	v, ok := s.secrets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// New builds the store selected by cfg.Provider
func New(ctx context.Context, cfg config.SecretsConfig, log *logger.Logger) (Store, error) {
	switch cfg.Provider {
	case "", "static":
		log.Info().Int("secrets", len(cfg.Static)).Msg("using static secret store")
		return NewStaticStore(cfg.Static)
	case "s3":
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("using S3 secret store")
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}
}
