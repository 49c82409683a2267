// Package s3 archives scan reports and serves feed files from an
// S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type Client struct {
	mc *minio.Client
}

func New(endpoint, accessKey, secretKey string, useSSL bool, region string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "s3 client for %s", endpoint)
	}
	return &Client{mc: mc}, nil
}

// GetObject reads a whole object into memory.
func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get s3://%s/%s", bucket, key)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "read s3://%s/%s", bucket, key)
	}
	return b, nil
}

// DownloadToFile streams an object to filePath.
func (c *Client) DownloadToFile(ctx context.Context, bucket, key, filePath string) error {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "get s3://%s/%s", bucket, key)
	}
	defer obj.Close()

	out, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err = io.Copy(out, obj); err != nil {
		return errors.Wrapf(err, "download s3://%s/%s", bucket, key)
	}
	return out.Close()
}

// UploadJSON encodes v and stores it under key.
func (c *Client) UploadJSON(ctx context.Context, bucket, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode object")
	}
	_, err = c.mc.PutObject(ctx, bucket, key, bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return errors.Wrapf(err, "put s3://%s/%s", bucket, key)
}
