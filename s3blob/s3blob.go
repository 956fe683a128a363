// Package s3blob stores large payloads that have no business in the cache
// tier: deployment bundles, export archives, anything opaque and sizable.
// It is a standalone collaborator addressed by blob id; the state engines
// never depend on it.
package s3blob

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var (
	ErrBlobNotFound = errors.New("s3blob: blob not found")
	ErrBadPresign   = errors.New("s3blob: presign method must be GET or PUT")
	ErrEmptyBlobID  = errors.New("s3blob: empty blob id")
)

// objectAPI is the slice of the S3 client the storer consumes.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// BlobInfo describes a stored blob without fetching its body.
type BlobInfo struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// Storer reads and writes blobs in one bucket.
type Storer struct {
	client    objectAPI
	presigner presignAPI
	bucket    string
	log       Logger
}

// New dials the configured endpoint. Static credentials are used when both
// keys are present, otherwise the default provider chain applies.
func New(ctx context.Context, log Logger, cfg Config) (*Storer, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})

	return &Storer{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		log:       log,
	}, nil
}

// Put streams body into the bucket under id.
func (s *Storer) Put(ctx context.Context, id string, body io.Reader, size int64, contentType string) error {
	if id == "" {
		return ErrEmptyBlobID
	}
	log := s.log.FromContext(ctx)
	defer log.Close()
	log.Debugf("put blob id=%s size=%d", id, size)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(id),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	return err
}

// Get streams the blob at id. The caller owns the returned body.
func (s *Storer) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if id == "" {
		return nil, ErrEmptyBlobID
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

// Stat describes the blob at id without fetching it.
func (s *Storer) Stat(ctx context.Context, id string) (BlobInfo, error) {
	if id == "" {
		return BlobInfo{}, ErrEmptyBlobID
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return BlobInfo{}, ErrBlobNotFound
		}
		return BlobInfo{}, err
	}

	info := BlobInfo{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        aws.ToString(out.ETag),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Delete removes the blob at id. Deleting an absent blob is not an error.
func (s *Storer) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyBlobID
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	return err
}

// Presign issues a time-limited URL for direct client access. Method is
// "GET" or "PUT".
func (s *Storer) Presign(ctx context.Context, id string, expirySeconds int64, method string) (string, error) {
	if id == "" {
		return "", ErrEmptyBlobID
	}
	expiry := s3.WithPresignExpires(time.Duration(expirySeconds) * time.Second)

	switch method {
	case "GET":
		req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(id),
		}, expiry)
		if err != nil {
			return "", err
		}
		return req.URL, nil
	case "PUT":
		req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(id),
		}, expiry)
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
	return "", ErrBadPresign
}
