package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/tasktrack/tasktrack/internal/config"
)

// maxSecretSize bounds how much of an object is read
const maxSecretSize = 64 << 10

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads secrets from objects in an S3-compatible bucket. The object
// key is prefix + secret id. Objects may hold raw bytes or base64 text.
type S3Store struct {
	client objectGetter
	bucket string
	prefix string
}

// NewS3Store creates an S3Store from config
func NewS3Store(ctx context.Context, cfg config.S3SecretsConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("secrets.s3.bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// GetSecret downloads and decodes the secret object for id
func (s *S3Store) GetSecret(ctx context.Context, id string) ([]byte, error) {
	key := path.Join(s.prefix, id)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, id)
		}
		return nil, fmt.Errorf("failed to get secret object %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxSecretSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read secret object %s: %w", key, err)
	}
	return decodeSecret(body), nil
}

// decodeSecret accepts either raw key bytes or their base64 text form
func decodeSecret(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(decoded, trimmed)
	if err == nil && n > 0 {
		return decoded[:n]
	}
	return body
}
