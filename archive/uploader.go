package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// PutObjectAPI is the part of *s3.Client the uploader uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config describes the bucket transcripts go to.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string // for S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
}

// Uploader ships finished transcripts to S3 with retries.
type Uploader struct {
	client      PutObjectAPI
	bucket      string
	prefix      string
	deleteAfter bool
	maxRetries  int
	backoff     time.Duration
	log         *zap.Logger

	wg sync.WaitGroup
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithPrefix prepends prefix to every object key.
func WithPrefix(prefix string) UploaderOption {
	return func(u *Uploader) { u.prefix = strings.Trim(prefix, "/") }
}

// WithDeleteAfterUpload removes local files once uploaded.
func WithDeleteAfterUpload(del bool) UploaderOption {
	return func(u *Uploader) { u.deleteAfter = del }
}

// WithRetries sets the retry count and the initial backoff, which doubles
// after each failed attempt.
func WithRetries(n int, backoff time.Duration) UploaderOption {
	return func(u *Uploader) {
		u.maxRetries = n
		u.backoff = backoff
	}
}

// WithUploaderLogger sets the logger.
func WithUploaderLogger(l *zap.Logger) UploaderOption {
	return func(u *Uploader) { u.log = l }
}

// NewUploader creates an Uploader over an existing client.
func NewUploader(client PutObjectAPI, bucket string, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		client:     client,
		bucket:     bucket,
		maxRetries: 3,
		backoff:    time.Second,
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// NewS3Uploader loads AWS configuration and creates an Uploader. Static
// credentials are used when both keys are set; otherwise the default
// credential chain applies.
func NewS3Uploader(ctx context.Context, cfg S3Config, opts ...UploaderOption) (*Uploader, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	if cfg.Prefix != "" {
		opts = append([]UploaderOption{WithPrefix(cfg.Prefix)}, opts...)
	}
	return NewUploader(client, cfg.Bucket, opts...), nil
}

// Run uploads each path received on files until ctx is canceled or files is
// closed, then waits for in-flight uploads.
func (u *Uploader) Run(ctx context.Context, files <-chan string) error {
	defer u.wg.Wait()
	for {
		select {
		case path, ok := <-files:
			if !ok {
				return nil
			}
			u.wg.Add(1)
			go func() {
				defer u.wg.Done()
				if err := u.Upload(ctx, path); err != nil {
					u.log.Error("uploading transcript", zap.String("file", path), zap.Error(err))
				}
			}()
		case <-ctx.Done():
			return nil
		}
	}
}

// Pending lists transcripts left in dir by an earlier run.
func Pending(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// Upload sends one file, retrying with exponential backoff.
func (u *Uploader) Upload(ctx context.Context, path string) error {
	key, err := u.objectKey(filepath.Base(path))
	if err != nil {
		return err
	}

	backoff := u.backoff
	for attempt := 0; ; attempt++ {
		err = u.put(ctx, path, key)
		if err == nil {
			break
		}
		if attempt >= u.maxRetries {
			return fmt.Errorf("uploading %s after %d attempts: %w", path, attempt+1, err)
		}
		u.log.Warn("upload failed, retrying",
			zap.String("file", path), zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	u.log.Info("uploaded transcript", zap.String("file", path), zap.String("key", key))
	if u.deleteAfter {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	return nil
}

func (u *Uploader) put(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/x-ndjson"),
	})
	return err
}

// objectKey maps transcript_20251230_103000_ab12cd34.jsonl to
// [prefix/]2025/12/30/transcript_20251230_103000_ab12cd34.jsonl.
func (u *Uploader) objectKey(name string) (string, error) {
	parts := strings.Split(strings.TrimSuffix(name, ".jsonl"), "_")
	if len(parts) < 3 {
		return "", fmt.Errorf("unexpected transcript name %q", name)
	}
	t, err := time.Parse(timestampLayout, parts[1]+"_"+parts[2])
	if err != nil {
		return "", fmt.Errorf("parsing timestamp in %q: %w", name, err)
	}
	key := fmt.Sprintf("%04d/%02d/%02d/%s", t.Year(), t.Month(), t.Day(), name)
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}
	return key, nil
}
