package s3store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/remote"
)

// fakeAPI embeds API so tests only implement the calls they exercise.
type fakeAPI struct {
	API

	objects   map[string]string
	lastPut   *s3.PutObjectInput
	uploadPgs []*s3.ListMultipartUploadsOutput
	calls     int
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.objects[aws.ToString(in.Key)] = string(data)
	f.lastPut = in

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, _ *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return nil, errors.New("access denied")
}

func (f *fakeAPI) ListMultipartUploads(_ context.Context, _ *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	page := f.uploadPgs[f.calls]
	f.calls++

	return page, nil
}

func TestStore_GetMissingIsNotFound(t *testing.T) {
	s := NewWithAPI(&fakeAPI{objects: map[string]string{}}, "bucket")
	_, err := s.Get(context.Background(), "metadata.json")
	assert.ErrorIs(t, err, cserrors.ErrNotFound)
}

func TestStore_PutAppliesOptions(t *testing.T) {
	api := &fakeAPI{objects: map[string]string{}}
	s := NewWithAPI(api, "bucket")

	err := s.Put(context.Background(), "metadata.json", []byte(`{}`), remote.PutOptions{
		ContentType:          "application/json",
		CacheControl:         remote.NoCache,
		ServerSideEncryption: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "bucket", aws.ToString(api.lastPut.Bucket))
	assert.Equal(t, remote.NoCache, aws.ToString(api.lastPut.CacheControl))
	assert.Equal(t, "application/json", aws.ToString(api.lastPut.ContentType))
	assert.Equal(t, types.ServerSideEncryptionAes256, api.lastPut.ServerSideEncryption)

	got, err := s.Get(context.Background(), "metadata.json")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))
}

func TestStore_Exists(t *testing.T) {
	s := NewWithAPI(&fakeAPI{objects: map[string]string{"a": "1"}}, "bucket")

	ok, err := s.Exists(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteFailureIsTransient(t *testing.T) {
	s := NewWithAPI(&fakeAPI{objects: map[string]string{}}, "bucket")
	err := s.Delete(context.Background(), "chats/a.json")
	assert.True(t, cserrors.IsTransient(err))
}

func TestStore_ListMultipartUploadsFollowsPages(t *testing.T) {
	initiated := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{uploadPgs: []*s3.ListMultipartUploadsOutput{
		{
			Uploads:            []types.MultipartUpload{{Key: aws.String("a.zip"), UploadId: aws.String("1"), Initiated: aws.Time(initiated)}},
			IsTruncated:        aws.Bool(true),
			NextKeyMarker:      aws.String("a.zip"),
			NextUploadIdMarker: aws.String("1"),
		},
		{
			Uploads: []types.MultipartUpload{{Key: aws.String("b.zip"), UploadId: aws.String("2"), Initiated: aws.Time(initiated)}},
		},
	}}
	s := NewWithAPI(api, "bucket")

	got, err := s.ListMultipartUploads(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b.zip", got[1].Key)
	assert.Equal(t, initiated, got[0].Initiated)
}
