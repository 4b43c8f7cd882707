// Package objectclient stores uploaded documents and extracted chunk sets in
// S3 or any S3-compatible object store.
package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/logger"
)

var _ core.ObjectClient = (*S3Client)(nil)

// S3Settings are the connection values for NewS3Client. Endpoint is only set
// for S3-compatible stores such as MinIO.
type S3Settings struct {
	AccessKey string
	SecretKey string
	Region    string
	Endpoint  string
}

type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	region   string
	endpoint string
	logger   *slog.Logger
}

func NewS3Client(ctx context.Context, s S3Settings) (*S3Client, error) {
	if s.AccessKey == "" || s.SecretKey == "" {
		return nil, core.E(core.ErrConfiguration, "objectclient.NewS3Client", "AWS credentials not set", nil)
	}
	if s.Region == "" {
		return nil, core.E(core.ErrConfiguration, "objectclient.NewS3Client", "AWS_REGION not set", nil)
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(s.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		}
	})
	l := logger.WithComponent("s3")
	l.Info("s3 client ready", "region", s.Region, "endpoint", s.Endpoint)

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		region:   s.Region,
		endpoint: s.Endpoint,
		logger:   l,
	}, nil
}

// UploadFile streams data to bucket/key and returns the object URL.
func (c *S3Client) UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := c.uploader.Upload(ctxUpload, input); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return c.objectURL(bucket, key), nil
}

func (c *S3Client) DeleteFile(ctx context.Context, bucket, key string) error {
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

// GetFile reads a whole object. A missing key is reported as ErrNotFound.
func (c *S3Client) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, core.E(core.ErrNotFound, "objectclient.GetFile", bucket+"/"+key, err)
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *S3Client) objectURL(bucket, key string) string {
	if c.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", c.endpoint, bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, c.region, key)
}
