package archive_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/labor-events/archive"
)

type recordingClient struct {
	key, bucket, contentType string
	body                     []byte
	err                      error
}

func (c *recordingClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.bucket = aws.ToString(in.Bucket)
	c.key = aws.ToString(in.Key)
	c.contentType = aws.ToString(in.ContentType)
	c.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchive_WritesUnderPrefix(t *testing.T) {
	// GIVEN: An archive with a prefix
	client := &recordingClient{}
	a := archive.NewS3WithClient(client, archive.Config{Bucket: "docs", Prefix: "/labor-events/"}, nil)

	// WHEN: A document is archived
	err := a.Archive(context.Background(), "co-1/b-1/ID1.xml", []byte("<eSocial/>"))

	// THEN: The object lands in the bucket under the prefix
	require.NoError(t, err)
	assert.Equal(t, "docs", client.bucket)
	assert.Equal(t, "labor-events/co-1/b-1/ID1.xml", client.key)
	assert.Equal(t, "application/xml", client.contentType)
	assert.Equal(t, []byte("<eSocial/>"), client.body)
}

func TestArchive_WrapsClientError(t *testing.T) {
	client := &recordingClient{err: errors.New("access denied")}
	a := archive.NewS3WithClient(client, archive.Config{Bucket: "docs"}, nil)

	err := a.Archive(context.Background(), "k.xml", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "k.xml")
	assert.ErrorIs(t, err, client.err)
}
