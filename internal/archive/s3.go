package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"marketfeed/internal/config"
	"marketfeed/internal/logging"
)

// S3Mirror uploads rotated CSV files to a configured S3 bucket in the
// background, best-effort. Failures are logged and never propagate back
// to the writer task, matching spec.md section 4.6's "log and continue"
// posture applied to the optional mirror path.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logging.Entry

	wg sync.WaitGroup
}

// NewS3Mirror builds an S3Mirror from runtime configuration, or returns
// nil if S3 mirroring is disabled.
func NewS3Mirror(cfg config.S3Config, prefix string, log *logging.Entry) (*S3Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: prefix,
		log:    log,
	}, nil
}

// UploadAsync uploads path to the mirror bucket in a detached goroutine.
// The caller's Stop should wait on the mirror's own drain if a hard
// guarantee is needed; here we track outstanding uploads via WaitGroup so
// the process can join them at shutdown.
func (m *S3Mirror) UploadAsync(path string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.upload(path); err != nil && m.log != nil {
			m.log.WithError(err).WithField("path", path).Warn("archive: s3 mirror upload failed")
		}
	}()
}

func (m *S3Mirror) upload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := filepath.Join(m.prefix, filepath.Base(path))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

// Wait blocks until all outstanding uploads have completed.
func (m *S3Mirror) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}
