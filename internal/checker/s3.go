package checker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hazz-dev/healthgate/internal/config"
)

// BucketClient is the subset of *minio.Client the s3 checker uses.
type BucketClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
}

// s3Checker reports up when the configured bucket exists, or when the
// endpoint answers ListBuckets if no bucket is configured.
type s3Checker struct {
	probe  config.Probe
	client BucketClient
}

func newS3Checker(p config.Probe) (*s3Checker, error) {
	endpoint, secure := p.Target, p.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(p.AccessKey, p.SecretKey, ""),
		Secure: secure,
		Region: p.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return &s3Checker{probe: p, client: client}, nil
}

// NewS3CheckerWithClient creates an s3 checker with a custom client (for testing).
func NewS3CheckerWithClient(p config.Probe, client BucketClient) Checker {
	return &s3Checker{probe: p, client: client}
}

func (c *s3Checker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		ProbeName: c.probe.Name,
		CheckedAt: start,
	}

	if c.probe.Bucket == "" {
		_, err := c.client.ListBuckets(ctx)
		result.ResponseTime = time.Since(start)
		if err != nil {
			result.Status = StatusDown
			result.Error = fmt.Sprintf("s3 list buckets: %v", err)
			return result
		}
		result.Status = StatusUp
		return result
	}

	ok, err := c.client.BucketExists(ctx, c.probe.Bucket)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Status = StatusDown
		result.Error = fmt.Sprintf("s3 bucket %q: %v", c.probe.Bucket, err)
		return result
	}
	if !ok {
		result.Status = StatusDown
		result.Error = fmt.Sprintf("s3 bucket %q does not exist", c.probe.Bucket)
		return result
	}

	result.Status = StatusUp
	return result
}
