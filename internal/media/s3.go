package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Config describes the optional S3-compatible archival target.
type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3Archiver mirrors persisted attachments into an S3-compatible bucket.
// It implements Archiver.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds an archiver from config. Returns nil when archival is
// disabled, which callers pass straight into NewPipeline.
func NewS3Archiver(config S3Config) (*S3Archiver, error) {
	if !config.Enabled {
		return nil, nil
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("s3 archival enabled but credentials are missing")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 archival enabled but bucket is missing")
	}

	cfg := aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
	}
	if config.Endpoint != "" {
		cfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: config.Endpoint, HostnameImmutable: config.PathStyle}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			})
	}

	// Dotted bucket names break virtual-host TLS, so force path style.
	usePathStyle := config.PathStyle || strings.Contains(config.Bucket, ".")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().
		Str("bucket", config.Bucket).
		Str("region", config.Region).
		Str("endpoint", config.Endpoint).
		Msg("S3 media archival enabled")
	return &S3Archiver{client: client, bucket: config.Bucket}, nil
}

// Archive uploads one attachment under a tenant/conversation/date key.
func (a *S3Archiver) Archive(ctx context.Context, tenantID, conversationID, fileName string, data []byte, mimeType string) error {
	key := archiveKey(tenantID, conversationID, fileName)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload media to S3: %w", err)
	}
	log.Debug().Str("key", key).Int("size", len(data)).Msg("Media archived to S3")
	return nil
}

func archiveKey(tenantID, conversationID, fileName string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("tenants/%s/%s/%s/%s",
		tenantID,
		now.Format("2006/01/02"),
		conversationID,
		fileName,
	)
}
