package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/pkg/config"
)

type fakePresigner struct {
	lastPut *s3.PutObjectInput
}

func (f *fakePresigner) PresignPutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.lastPut = in
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/" + *in.Key + "?put"}, nil
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/" + *in.Key + "?get"}, nil
}

type fakeS3 struct {
	objects map[string][]byte
	deleted []string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3NotFound{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out s3.ListObjectsV2Output
	for key := range f.objects {
		if len(*in.Prefix) <= len(key) && key[:len(*in.Prefix)] == *in.Prefix {
			out.Contents = append(out.Contents, s3Object(key))
		}
	}
	return &out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range in.Delete.Objects {
		delete(f.objects, *obj.Key)
		f.deleted = append(f.deleted, *obj.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

type s3NotFound struct{}

func (s *s3NotFound) Error() string { return "NoSuchKey" }

func testGateway(kmsKeyFor KMSKeyResolver) (*Gateway, *fakePresigner, *fakeS3) {
	presigner := &fakePresigner{}
	s3api := newFakeS3()
	gw := NewGateway(&config.ObjectStoreConfig{
		Bucket:     "formscout-assets",
		PresignTTL: 15 * time.Minute,
	}, presigner, s3api, kmsKeyFor)
	return gw, presigner, s3api
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		tenant string
		valid  bool
	}{
		{"well formed screenshot", "screenshots/t1/p1/s1/shot.png", "t1", true},
		{"well formed log bundle", "logs/t1/p1/s1/bundle.json", "t1", true},
		{"wrong tenant", "screenshots/t2/p1/s1/shot.png", "t1", false},
		{"unknown kind", "backups/t1/p1/s1/x.bin", "t1", false},
		{"too few segments", "screenshots/t1/s1/shot.png", "t1", false},
		{"too many segments", "screenshots/t1/p1/s1/a/b.png", "t1", false},
		{"empty segment", "screenshots/t1//s1/shot.png", "t1", false},
		{"dot traversal", "screenshots/t1/p1/../shot.png", "t1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key, tt.tenant)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestPresignPutRejectsForeignTenant(t *testing.T) {
	gw, _, _ := testGateway(nil)

	_, err := gw.PresignPut(context.Background(), "t1", "screenshots/t2/p1/s1/shot.png", "image/png")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestPresignPutSignsValidKey(t *testing.T) {
	gw, presigner, _ := testGateway(nil)

	url, err := gw.PresignPut(context.Background(), "t1", "screenshots/t1/p1/s1/shot.png", "image/png")
	require.NoError(t, err)
	assert.Contains(t, url, "screenshots/t1/p1/s1/shot.png")
	assert.Nil(t, presigner.lastPut.SSEKMSKeyId)
}

func TestPresignPutAddsSSEForByokTenant(t *testing.T) {
	resolver := func(_ context.Context, tenantID string) (string, error) {
		if tenantID == "t1" {
			return "arn:aws:kms:us-east-1:1:key/abc", nil
		}
		return "", nil
	}
	gw, presigner, _ := testGateway(resolver)

	_, err := gw.PresignPut(context.Background(), "t1", "screenshots/t1/p1/s1/shot.png", "image/png")
	require.NoError(t, err)
	require.NotNil(t, presigner.lastPut.SSEKMSKeyId)
	assert.Equal(t, "arn:aws:kms:us-east-1:1:key/abc", *presigner.lastPut.SSEKMSKeyId)
}

func TestPresignPutBatchRejectsWholeBatchOnOneBadKey(t *testing.T) {
	gw, _, _ := testGateway(nil)

	_, err := gw.PresignPutBatch(context.Background(), "t1", []PutRequest{
		{Key: "screenshots/t1/p1/s1/a.png"},
		{Key: "screenshots/t2/p1/s1/b.png"},
	})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestFetchReturnsObjectBytes(t *testing.T) {
	gw, _, s3api := testGateway(nil)
	s3api.objects["logs/t1/p1/s1/bundle.json"] = []byte(`[{"level":"info"}]`)

	data, err := gw.Fetch(context.Background(), "t1", "logs/t1/p1/s1/bundle.json")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"level":"info"}]`, string(data))
}

func TestDeletePrefixScopedToTenant(t *testing.T) {
	gw, _, s3api := testGateway(nil)
	s3api.objects["screenshots/t1/p1/s1/a.png"] = []byte("a")
	s3api.objects["screenshots/t1/p1/s1/b.png"] = []byte("b")
	s3api.objects["screenshots/t2/p1/s1/c.png"] = []byte("c")

	count, err := gw.DeletePrefix(context.Background(), "t1", "screenshots/t1/p1/s1/")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Contains(t, s3api.objects, "screenshots/t2/p1/s1/c.png")

	_, err = gw.DeletePrefix(context.Background(), "t1", "screenshots/t2/")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func s3Object(key string) s3types.Object {
	return s3types.Object{Key: aws.String(key)}
}
