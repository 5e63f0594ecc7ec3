package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig describes a bucket in S3-compatible storage
type MinioConfig struct {
	Access   string
	Secret   string
	Bucket   string
	Endpoint string
	Region   string
	// Root is a key prefix under which namespaces live, optional
	Root string
	// Insecure uses http instead of https, for local minio servers
	Insecure     bool
	RequestTrace io.Writer
}

// MinioLayer serves objects from a bucket
type MinioLayer struct {
	client *minio.Client
	config *MinioConfig
	root   string
}

const minioReadTimeout = time.Minute

func validateMinioConfig(c *MinioConfig) error {
	if c == nil {
		return errors.New("must provide config")
	}
	if c.Access == "" || c.Secret == "" || c.Bucket == "" || c.Endpoint == "" {
		return errors.New("must provide all fields in config")
	}
	return nil
}

func NewMinioLayer(ctx context.Context, config *MinioConfig) (*MinioLayer, error) {
	if err := validateMinioConfig(config); err != nil {
		return nil, err
	}
	c := config
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if c.RequestTrace != nil {
		mc.TraceOn(c.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}
	return &MinioLayer{
		client: mc,
		config: config,
		root:   minioRoot(c.Root),
	}, nil
}

func minioRoot(root string) string {
	root = strings.Trim(root, "/")
	if root != "" {
		root += "/"
	}
	return root
}

func (l *MinioLayer) Name() string {
	return "s3://" + l.config.Bucket + "/" + l.root
}

func (l *MinioLayer) List(ctx context.Context, prefix string, suffix string) ([]Entry, error) {
	opts := minio.ListObjectsOptions{
		Prefix:    l.root,
		Recursive: true,
	}
	var res []Entry
	for obj := range l.client.ListObjects(ctx, l.config.Bucket, opts) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, l.root)
		loc, ok := matchName(name, prefix, suffix)
		if !ok {
			continue
		}
		key := obj.Key
		open := func() ([]byte, error) {
			return l.readObject(key)
		}
		res = append(res, Entry{Location: loc, Open: decompressing(name, open)})
	}
	return res, nil
}

func (l *MinioLayer) readObject(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), minioReadTimeout)
	defer cancel()
	obj, err := l.client.GetObject(ctx, l.config.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
