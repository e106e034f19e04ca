package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/tweetcrawler/tweetcrawler/internal/logging"
)

const archiveContentType = "application/zip"

// S3Config holds the client settings of an S3 or S3-compatible store.
type S3Config struct {
	Region string

	// Endpoint overrides the AWS endpoint, for MinIO and similar stores.
	Endpoint     string
	UsePathStyle bool

	Multipart MultipartUploadConfig

	// Attempts is the number of tries per request. Default: 4
	Attempts int
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:    "us-east-1",
		Multipart: DefaultMultipartConfig(),
		Attempts:  4,
	}
}

// S3Storage stores archives in one S3 bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	cfg    S3Config
	log    zerolog.Logger
}

// NewS3Storage creates a client from the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient wraps a configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	if cfg.Multipart.PartSize <= 0 {
		cfg.Multipart = DefaultMultipartConfig()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	return &S3Storage{
		client: client,
		bucket: bucket,
		cfg:    cfg,
		log:    logging.Component("storage").With().Str("bucket", bucket).Logger(),
	}
}

// Upload sends the archive in one PutObject, or as a multipart upload when
// it is larger than one part.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	parts := planParts(info.Size(), s.cfg.Multipart.PartSize)
	if len(parts) > 1 {
		err = s.putMultipart(ctx, f, objectPath, parts)
	} else {
		err = s.retry(ctx, "put "+objectPath, func() error {
			return s.putSingle(ctx, f, objectPath, info.Size())
		})
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	s.log.Debug().Str("object", objectPath).Int64("size", info.Size()).Int("parts", len(parts)).Msg("object stored")
	return nil
}

func (s *S3Storage) putSingle(ctx context.Context, f *os.File, objectPath string, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectPath),
		Body:          io.NewSectionReader(f, 0, size),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(archiveContentType),
	})
	return err
}

// part is one byte range of a multipart upload.
type part struct {
	number int32
	offset int64
	size   int64
}

// planParts splits size bytes into partSize ranges. An empty file is one
// empty part.
func planParts(size, partSize int64) []part {
	if size <= partSize || partSize <= 0 {
		return []part{{number: 1, size: size}}
	}
	var parts []part
	for off, n := int64(0), int32(1); off < size; off, n = off+partSize, n+1 {
		length := partSize
		if off+length > size {
			length = size - off
		}
		parts = append(parts, part{number: n, offset: off, size: length})
	}
	return parts
}

// putMultipart uploads parts in order, retrying each one on its own. The
// upload is aborted if any part or the completion fails.
func (s *S3Storage) putMultipart(ctx context.Context, f *os.File, objectPath string, parts []part) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectPath),
		ContentType: aws.String(archiveContentType),
	})
	if err != nil {
		return err
	}
	uploadID := created.UploadId

	done := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		var etag *string
		err := s.retry(ctx, fmt.Sprintf("part %d of %s", p.number, objectPath), func() error {
			out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(objectPath),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(p.number),
				Body:          io.NewSectionReader(f, p.offset, p.size),
				ContentLength: aws.Int64(p.size),
			})
			if err == nil {
				etag = out.ETag
			}
			return err
		})
		if err != nil {
			s.abort(objectPath, uploadID)
			return err
		}
		done = append(done, s3types.CompletedPart{ETag: etag, PartNumber: aws.Int32(p.number)})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectPath),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: done},
	})
	if err != nil {
		s.abort(objectPath, uploadID)
		return err
	}
	return nil
}

// abort uses its own context so a cancelled upload still cleans up.
func (s *S3Storage) abort(objectPath string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	}); err != nil {
		s.log.Warn().Err(err).Str("object", objectPath).Msg("failed to abort multipart upload")
	}
}

// Exists reports whether objectPath is present.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	found := false
	err := s.retry(ctx, "head "+objectPath, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		var notFound *s3types.NotFound
		switch {
		case err == nil:
			found = true
		case errors.As(err, &notFound):
			found = false
		default:
			return err
		}
		return nil
	})
	return found, err
}

// List returns the keys under prefix.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrListFailed, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// retry runs op up to cfg.Attempts times, doubling the pause from 100ms.
func (s *S3Storage) retry(ctx context.Context, what string, op func() error) error {
	pause := 100 * time.Millisecond
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = op(); err == nil {
			return nil
		}
		if attempt >= s.cfg.Attempts {
			return err
		}
		s.log.Debug().Err(err).Str("request", what).Int("attempt", attempt).Dur("pause", pause).Msg("s3 request failed; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
		pause *= 2
	}
}
