package source

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"

	"github.com/brunobiangulo/clinicalfacts/logger"
)

// S3Config configures the S3 client. Empty credentials fall back to the SDK
// default chain.
type S3Config struct {
	Region          string `json:"region" yaml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id" split_words:"true"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key" split_words:"true"`
}

// S3 downloads objects with the s3manager downloader.
type S3 struct {
	downloader *s3manager.Downloader
	log        zerolog.Logger
}

func NewS3(cfg S3Config) (*S3, error) {
	awsCfg := aws.NewConfig().WithMaxRetries(4)
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("source: s3 session: %w", err)
	}
	return &S3{downloader: s3manager.NewDownloader(sess), log: logger.NewLogger("s3")}, nil
}

func (c *S3) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer([]byte{})
	size, err := c.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		c.log.Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("download failed")
		return nil, err
	}
	c.log.Debug().Str("bucket", bucket).Str("key", key).Int64("bytes", size).Msg("downloaded")
	return buf.Bytes(), nil
}
