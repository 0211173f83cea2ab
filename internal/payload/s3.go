package payload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	cerrors "github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Config represents S3 payload store configuration
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from cfg. Static credentials are used
// when given, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent(component)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// S3Store keeps payloads as objects under a bucket prefix.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store wraps client.
func NewS3Store(client S3API, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, cerrors.NewError(cerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent(component)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) key(location string) string {
	return s.prefix + location
}

// OpenRead streams the object body.
func (s *S3Store) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(location)
		}
		return nil, storageError(cerrors.ErrCodeStorageRead, "open_read", location, err)
	}
	return out.Body, nil
}

// OpenWrite buffers the payload and uploads it on Commit.
func (s *S3Store) OpenWrite(ctx context.Context, location string) (types.PayloadWriter, error) {
	if err := validLocation(location); err != nil {
		return nil, err
	}
	return &s3Writer{ctx: ctx, store: s, location: location}, nil
}

// Delete removes the object.
func (s *S3Store) Delete(ctx context.Context, location string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil && !isNotFound(err) {
		return storageError(cerrors.ErrCodeStorageDelete, "delete", location, err)
	}
	return nil
}

// Exists issues a HEAD request.
func (s *S3Store) Exists(ctx context.Context, location string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, storageError(cerrors.ErrCodeStorageRead, "exists", location, err)
	}
	return true, nil
}

// List pages through every object under the prefix.
func (s *S3Store) List(ctx context.Context) ([]string, error) {
	var out []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storageError(cerrors.ErrCodeStorageRead, "list", s.prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			out = append(out, name)
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &nf)
}

type s3Writer struct {
	ctx      context.Context
	store    *S3Store
	location string
	buf      bytes.Buffer
	done     bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *s3Writer) Commit() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true
	_, err := w.store.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.store.bucket),
		Key:           aws.String(w.store.key(w.location)),
		Body:          bytes.NewReader(w.buf.Bytes()),
		ContentLength: aws.Int64(int64(w.buf.Len())),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return storageError(cerrors.ErrCodeStorageWrite, "commit", w.location, err)
	}
	return nil
}

func (w *s3Writer) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
