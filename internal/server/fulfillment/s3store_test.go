package fulfillment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubS3(t *testing.T) {
	t.Helper()
	origLoad, origNewS3, origNewPre := loadDefaultAWSConfig, newS3ClientFromConfig, newS3PresignClient
	origPut, origGet, origUpload := presignPutObject, presignGetObject, uploadToPresignedURL
	t.Cleanup(func() {
		loadDefaultAWSConfig, newS3ClientFromConfig, newS3PresignClient = origLoad, origNewS3, origNewPre
		presignPutObject, presignGetObject, uploadToPresignedURL = origPut, origGet, origUpload
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		return aws.Config{}, nil
	}
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		var opts s3.Options
		for _, fn := range optFns {
			fn(&opts)
		}
		require.NotNil(t, opts.BaseEndpoint)
		assert.Equal(t, "http://minio:9000", *opts.BaseEndpoint)
		assert.True(t, opts.UsePathStyle)
		return &s3.Client{}
	}
	newS3PresignClient = func(c *s3.Client) *s3.PresignClient { return &s3.PresignClient{} }
}

func newStore() *S3DocumentStore {
	return NewS3DocumentStore(S3Config{
		Region:       "eu-central-1",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		BaseEndpoint: "http://minio:9000",
		Bucket:       "capsules",
		PresignTTL:   48 * time.Hour,
	}, nil)
}

func TestS3DocumentStore_Put(t *testing.T) {
	stubS3(t)

	var putKey, getKey string
	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		assert.Equal(t, "capsules", *in.Bucket)
		assert.Equal(t, "text/html", *in.ContentType)
		putKey = *in.Key
		return &v4.PresignedHTTPRequest{URL: "http://minio:9000/capsules/" + putKey + "?put"}, nil
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		var po s3.PresignOptions
		for _, fn := range optFns {
			fn(&po)
		}
		assert.Equal(t, 48*time.Hour, po.Expires)
		getKey = *in.Key
		return &v4.PresignedHTTPRequest{URL: "http://minio:9000/capsules/" + getKey + "?get"}, nil
	}
	var uploaded []byte
	uploadToPresignedURL = func(ctx context.Context, client *http.Client, url, contentType string, body []byte) error {
		assert.True(t, strings.HasSuffix(url, "?put"))
		uploaded = body
		return nil
	}

	url, err := newStore().Put(context.Background(), "d1", []byte("<html/>"), "text/html")
	require.NoError(t, err)
	assert.Equal(t, putKey, getKey)
	assert.True(t, strings.HasPrefix(putKey, "letters/"))
	assert.Contains(t, putKey, "/d1-")
	assert.True(t, strings.HasSuffix(url, "?get"))
	assert.Equal(t, []byte("<html/>"), uploaded)
}

func TestS3DocumentStore_Errors(t *testing.T) {
	t.Run("load config", func(t *testing.T) {
		stubS3(t)
		loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("no config")
		}
		_, err := newStore().Put(context.Background(), "d1", nil, "text/html")
		assert.EqualError(t, err, "no config")
	})

	t.Run("presign put", func(t *testing.T) {
		stubS3(t)
		presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
			return nil, errors.New("boom")
		}
		_, err := newStore().Put(context.Background(), "d1", nil, "text/html")
		assert.EqualError(t, err, "presign put: boom")
	})

	t.Run("upload", func(t *testing.T) {
		stubS3(t)
		presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
			return &v4.PresignedHTTPRequest{URL: "u"}, nil
		}
		uploadToPresignedURL = func(ctx context.Context, client *http.Client, url, contentType string, body []byte) error {
			return errors.New("upload failed: 403 Forbidden")
		}
		_, err := newStore().Put(context.Background(), "d1", nil, "text/html")
		assert.EqualError(t, err, "upload failed: 403 Forbidden")
	})

	t.Run("presign get", func(t *testing.T) {
		stubS3(t)
		presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
			return &v4.PresignedHTTPRequest{URL: "u"}, nil
		}
		uploadToPresignedURL = func(ctx context.Context, client *http.Client, url, contentType string, body []byte) error { return nil }
		presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
			return nil, errors.New("nope")
		}
		_, err := newStore().Put(context.Background(), "d1", nil, "text/html")
		assert.EqualError(t, err, "presign get: nope")
	})
}
