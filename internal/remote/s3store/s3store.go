// Package s3store adapts an S3-compatible bucket to remote.Bucket.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/remote"
)

// API is the subset of *s3.Client the store calls.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

// Options configures the connection.
type Options struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the AWS endpoint for S3-compatible services.
	// Path-style addressing is used when it is set.
	Endpoint string
}

var _ remote.Bucket = (*Store)(nil)

// Store is a remote.Bucket backed by S3.
type Store struct {
	api    API
	bucket string
}

// New builds an S3 client from static credentials.
func New(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithAPI(client, opts.Bucket), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, bucket string) *Store {
	return &Store{api: api, bucket: bucket}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *types.NotFound

	return errors.As(err, &nf)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("get %s: %w", key, cserrors.ErrNotFound)
	}

	if err != nil {
		return nil, &cserrors.TransientIOError{Op: "get", Key: key, Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &cserrors.TransientIOError{Op: "get", Key: key, Err: err}
	}

	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, opts remote.PutOptions) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}

	applyPutOptions(opts, &in.ContentType, &in.CacheControl, &in.ServerSideEncryption)

	if _, err := s.api.PutObject(ctx, in); err != nil {
		return &cserrors.TransientIOError{Op: "put", Key: key, Err: err}
	}

	return nil
}

func applyPutOptions(opts remote.PutOptions, contentType, cacheControl **string, sse *types.ServerSideEncryption) {
	if opts.ContentType != "" {
		*contentType = aws.String(opts.ContentType)
	}

	if opts.CacheControl != "" {
		*cacheControl = aws.String(opts.CacheControl)
	}

	if opts.ServerSideEncryption {
		*sse = types.ServerSideEncryptionAes256
	}
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return &cserrors.TransientIOError{Op: "delete", Key: key, Err: err}
	}

	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]remote.Object, error) {
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var out []remote.Object

	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, &cserrors.TransientIOError{Op: "list", Key: prefix, Err: err}
		}

		for _, o := range page.Contents {
			out = append(out, remote.Object{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
	}

	return out, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, &cserrors.TransientIOError{Op: "head", Key: key, Err: err}
	}

	return true, nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, key string, opts remote.PutOptions) (string, error) {
	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}

	applyPutOptions(opts, &in.ContentType, &in.CacheControl, &in.ServerSideEncryption)

	out, err := s.api.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", &cserrors.TransientIOError{Op: "create upload", Key: key, Err: err}
	}

	return aws.ToString(out.UploadId), nil
}

func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", &cserrors.TransientIOError{Op: "upload part", Key: key, Err: err}
	}

	return aws.ToString(out.ETag), nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []remote.CompletedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	_, err := s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return &cserrors.TransientIOError{Op: "complete upload", Key: key, Err: err}
	}

	return nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return &cserrors.TransientIOError{Op: "abort upload", Key: key, Err: err}
	}

	return nil
}

func (s *Store) ListMultipartUploads(ctx context.Context) ([]remote.PendingUpload, error) {
	in := &s3.ListMultipartUploadsInput{Bucket: aws.String(s.bucket)}

	var out []remote.PendingUpload

	for {
		page, err := s.api.ListMultipartUploads(ctx, in)
		if err != nil {
			return nil, &cserrors.TransientIOError{Op: "list uploads", Err: err}
		}

		for _, u := range page.Uploads {
			out = append(out, remote.PendingUpload{
				Key:       aws.ToString(u.Key),
				UploadID:  aws.ToString(u.UploadId),
				Initiated: aws.ToTime(u.Initiated),
			})
		}

		if !aws.ToBool(page.IsTruncated) {
			return out, nil
		}

		in.KeyMarker = page.NextKeyMarker
		in.UploadIdMarker = page.NextUploadIdMarker
	}
}
