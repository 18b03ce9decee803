package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/arielsmarin/straty-backend-stable/internal/fault"
)

// r2Store talks to a Cloudflare R2 bucket through the S3 API.
type r2Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
	logger    *slog.Logger
	appendMu  sync.Mutex
}

func newR2Store(ctx context.Context, cfg Config, logger *slog.Logger) (*r2Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.R2Endpoint
	if endpoint == "" && cfg.R2AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.R2AccountID)
	}
	if endpoint == "" || cfg.R2AccessKeyID == "" || cfg.R2SecretAccessKey == "" {
		return nil, errors.New("r2 backend requires R2_ACCOUNT_ID (or R2_ENDPOINT_URL), R2_ACCESS_KEY_ID and R2_SECRET_ACCESS_KEY")
	}

	bucket := cfg.R2Bucket
	if bucket == "" {
		bucket = "panoconfig360-tiles"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.R2AccessKeyID, cfg.R2SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	logger.Info("r2 store initialized", "bucket", bucket, "public_url", cfg.PublicURLBase)

	return &r2Store{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(cfg.PublicURLBase, "/"),
		logger:    logger,
	}, nil
}

func (s *r2Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}

func (s *r2Store) PutFile(ctx context.Context, srcPath, key, contentType string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer f.Close()
	return s.put(ctx, key, f, contentType)
}

func (s *r2Store) PutBytes(ctx context.Context, key string, body []byte, contentType string) error {
	return s.put(ctx, key, bytes.NewReader(body), contentType)
}

func (s *r2Store) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if cc := cacheControlFor(key); cc != "" {
		input.CacheControl = aws.String(cc)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.logger.Debug("uploaded to r2", "key", key)
	return nil
}

func (s *r2Store) GetJSON(ctx context.Context, key string, out any) error {
	body, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *r2Store) get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", fault.ErrNotFound, key)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// AppendJSONL emulates append with read-modify-write under a process-local
// mutex. Ordering is only guaranteed within this process.
func (s *r2Store) AppendJSONL(ctx context.Context, key string, payload any) error {
	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	existing, err := s.get(ctx, key)
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return err
	}

	updated := append(existing, line...)
	updated = append(updated, '\n')
	return s.PutBytes(ctx, key, updated, "application/x-ndjson")
}

func (s *r2Store) ReadJSONLSlice(ctx context.Context, key string, cursor, limit int) ([]json.RawMessage, int, error) {
	content, err := s.get(ctx, key)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, cursor, nil
		}
		return nil, cursor, err
	}
	events, next := parseJSONLSlice(string(content), key, cursor, limit, s.logger)
	return events, next, nil
}

func (s *r2Store) PublicURL(key string) string {
	if s.publicURL == "" {
		return "/" + key
	}
	return s.publicURL + "/" + key
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}
