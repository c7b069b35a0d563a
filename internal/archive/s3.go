// Package archive keeps off-host copies of issued certificate bundles.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// putObjectAPI is the part of *s3.Client used here.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the archive bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3 uploads each issued bundle under <server name>/<issued at>/.
type S3 struct {
	logger zerolog.Logger
	client putObjectAPI
	bucket string
	now    func() time.Time
}

// NewS3 creates an archive against an S3-compatible endpoint.
func NewS3(logger zerolog.Logger, cfg S3Config) *S3 {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return newS3(logger, s3.New(opts), cfg.Bucket)
}

func newS3(logger zerolog.Logger, client putObjectAPI, bucket string) *S3 {
	return &S3{
		logger: logger.With().Str("component", "cert-archive").Logger(),
		client: client,
		bucket: bucket,
		now:    time.Now,
	}
}

// Prefix is the object prefix for one archived bundle.
func Prefix(serverName string, at time.Time) string {
	return path.Join(serverName, at.UTC().Format("20060102T150405Z"))
}

// Store uploads the certificate chain and private key.
func (a *S3) Store(ctx context.Context, serverName string, certPEM, keyPEM []byte) error {
	prefix := Prefix(serverName, a.now())

	objects := []struct {
		name string
		data []byte
	}{
		{"fullchain.pem", certPEM},
		{"privkey.pem", keyPEM},
	}
	for _, obj := range objects {
		key := path.Join(prefix, obj.name)
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(obj.data),
			ContentLength: aws.Int64(int64(len(obj.data))),
			ContentType:   aws.String("application/x-pem-file"),
		})
		if err != nil {
			return fmt.Errorf("upload %s to bucket %s: %w", key, a.bucket, err)
		}
	}

	a.logger.Info().Str("server_name", serverName).Str("prefix", prefix).Msg("certificate archived")
	return nil
}
