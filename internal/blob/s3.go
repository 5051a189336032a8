package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config locates the bucket. Endpoint is optional and enables path-style
// addressing for S3-compatible servers.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps blobs as objects named Prefix+hash.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	tmpDir string
}

var _ Store = (*S3Store)(nil)

// NewS3Client builds a client from static configuration.
func NewS3Client(cfg S3Config) *s3.Client {
	return s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
				Source:          "relay-config",
			}, nil
		}),
		BaseEndpoint:               endpoint(cfg.Endpoint),
		UsePathStyle:               cfg.Endpoint != "",
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
}

func endpoint(e string) *string {
	if e == "" {
		return nil
	}
	return aws.String(e)
}

// NewS3Store stores blobs in bucket through client. Uploads are spooled to
// tmpDir (os.TempDir when empty) to learn the hash before the object key.
func NewS3Store(client *s3.Client, bucket, prefix, tmpDir string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, tmpDir: tmpDir}
}

func (s *S3Store) key(hash string) *string {
	return aws.String(s.prefix + hash)
}

// Save implements Store.
func (s *S3Store) Save(ctx context.Context, r io.Reader) (string, error) {
	f, hash, size, err := spool(s.tmpDir, r)
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return "", err
	}
	if exists {
		return hash, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           s.key(hash),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload of %s failed: %w", hash, err)
	}
	return hash, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(hash),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("s3 download of %s failed: %w", hash, err)
	}
	return out.Body, nil
}

// Exists implements Store.
func (s *S3Store) Exists(ctx context.Context, hash string) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(hash),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head of %s failed: %w", hash, err)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}
