package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harborscale/go-harborscale-state/logger"
)

type mockObjectAPI struct {
	mock.Mock
}

func (m *mockObjectAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockObjectAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockObjectAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.HeadObjectOutput)
	return out, args.Error(1)
}

func (m *mockObjectAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.DeleteObjectOutput)
	return out, args.Error(1)
}

type mockPresignAPI struct {
	mock.Mock
}

func (m *mockPresignAPI) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*v4.PresignedHTTPRequest)
	return out, args.Error(1)
}

func (m *mockPresignAPI) PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*v4.PresignedHTTPRequest)
	return out, args.Error(1)
}

func newTestStorer(log Logger) (*Storer, *mockObjectAPI, *mockPresignAPI) {
	client := &mockObjectAPI{}
	presigner := &mockPresignAPI{}
	return &Storer{
		client:    client,
		presigner: presigner,
		bucket:    "unittest",
		log:       log,
	}, client, presigner
}

func TestPutSendsBucketKeyAndBody(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	s, client, _ := newTestStorer(logger.Sugar)
	ctx := context.TODO()

	client.On("PutObject", ctx, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Bucket) == "unittest" &&
			aws.ToString(in.Key) == "bundle-1" &&
			aws.ToInt64(in.ContentLength) == 5 &&
			aws.ToString(in.ContentType) == "application/gzip"
	})).Return(&s3.PutObjectOutput{}, nil)

	err := s.Put(ctx, "bundle-1", strings.NewReader("hello"), 5, "application/gzip")
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestGetStreamsBody(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	s, client, _ := newTestStorer(logger.Sugar)
	ctx := context.TODO()

	client.On("GetObject", ctx, mock.Anything).Return(&s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewBufferString("payload")),
	}, nil)

	body, err := s.Get(ctx, "bundle-1")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestGetMissingBlob(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	s, client, _ := newTestStorer(logger.Sugar)
	ctx := context.TODO()

	client.On("GetObject", ctx, mock.Anything).Return(nil, &types.NoSuchKey{})

	_, err := s.Get(ctx, "nothing")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestStat(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	s, client, _ := newTestStorer(logger.Sugar)
	ctx := context.TODO()

	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.On("HeadObject", ctx, mock.Anything).Return(&s3.HeadObjectOutput{
		ContentLength: aws.Int64(1024),
		ContentType:   aws.String("application/gzip"),
		ETag:          aws.String(`"abc123"`),
		LastModified:  &modified,
	}, nil).Once()

	info, err := s.Stat(ctx, "bundle-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), info.Size)
	assert.Equal(t, "application/gzip", info.ContentType)
	assert.Equal(t, modified, info.LastModified)

	client.On("HeadObject", ctx, mock.Anything).Return(nil, &types.NotFound{})
	_, err = s.Stat(ctx, "nothing")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestPresign(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	s, _, presigner := newTestStorer(logger.Sugar)
	ctx := context.TODO()

	presigner.On("PresignGetObject", ctx, mock.Anything).
		Return(&v4.PresignedHTTPRequest{URL: "https://signed.example/get"}, nil)
	presigner.On("PresignPutObject", ctx, mock.Anything).
		Return(&v4.PresignedHTTPRequest{URL: "https://signed.example/put"}, nil)

	url, err := s.Presign(ctx, "bundle-1", 300, "GET")
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/get", url)

	url, err = s.Presign(ctx, "bundle-1", 300, "PUT")
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/put", url)

	_, err = s.Presign(ctx, "bundle-1", 300, "POST")
	assert.ErrorIs(t, err, ErrBadPresign)
}

func TestEmptyBlobID(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	s, _, _ := newTestStorer(logger.Sugar)
	ctx := context.TODO()

	assert.ErrorIs(t, s.Put(ctx, "", nil, 0, ""), ErrEmptyBlobID)
	_, err := s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyBlobID)
	_, err = s.Stat(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyBlobID)
	assert.ErrorIs(t, s.Delete(ctx, ""), ErrEmptyBlobID)
}
