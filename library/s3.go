package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config describes an S3-compatible bucket for mirroring saved photos.
type S3Config struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	Prefix          string `json:"prefix"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	PathStyle       bool   `json:"pathStyle"`
}

// Enabled reports whether uploads are configured.
func (c S3Config) Enabled() bool { return strings.TrimSpace(c.Bucket) != "" }

// Key is the object key used for a photo.
func (c S3Config) Key(p *Photo) string {
	name := p.ID + path.Ext(p.Path)
	day := p.CreatedAt.UTC().Format("2006/01/02")
	return path.Join(strings.Trim(c.Prefix, "/"), day, name)
}

var ErrUploadDisabled = errors.New("s3 upload is not configured")

type S3Uploader struct {
	cfg     S3Config
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Uploader builds a client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if !cfg.Enabled() {
		return nil, ErrUploadDisabled
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Uploader{cfg: cfg, client: client, presign: s3.NewPresignClient(client)}, nil
}

// Upload puts the photo file into the bucket and returns its key.
func (u *S3Uploader) Upload(ctx context.Context, p *Photo) (string, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := u.cfg.Key(p)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(p.Size),
		ContentType:   aws.String(p.ContentType()),
		Metadata: map[string]string{
			"filter":    p.Filter,
			"imagemode": p.Mode,
			"sha256":    p.Hash,
		},
	})
	if err != nil {
		return "", describeS3Error(err)
	}
	return key, nil
}

// PresignGet returns a temporary download URL for an uploaded key.
func (u *S3Uploader) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", describeS3Error(err)
	}
	return req.URL, nil
}

func describeS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: s3 %s: %s", ErrPermission, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return fmt.Errorf("s3 %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("s3: %w", err)
}

// Uploader is the part of S3Uploader used by the upload task.
type Uploader interface {
	Upload(ctx context.Context, p *Photo) (string, error)
}

// UploadPhoto mirrors a stored photo and records its remote key.
func (l *Library) UploadPhoto(ctx context.Context, up Uploader, id string) (string, error) {
	if up == nil {
		return "", ErrUploadDisabled
	}
	p, err := l.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if p.RemoteKey.Valid {
		return p.RemoteKey.String, nil
	}
	key, err := up.Upload(ctx, p)
	if err != nil {
		return "", err
	}
	return key, l.MarkUploaded(ctx, id, key)
}
