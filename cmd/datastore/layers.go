package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/kjk/datastore/resource"
)

// newLayer creates a content layer from a command line argument:
//
//	path/to/dir           directory, optionally a resource pack with data/
//	path/to/pack.zip      zip file
//	path/to/x.bundle      bundle created with "datastore pack"
//	https://host/x.bundle bundle downloaded over http
//	s3://bucket/root      bucket in S3-compatible storage, configured with
//	                      MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY
func newLayer(ctx context.Context, spec string) (resource.Layer, error) {
	lower := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return resource.NewHTTPBundleLayer(ctx, spec)
	case strings.HasPrefix(lower, "s3://"):
		return newMinioLayer(ctx, spec)
	case strings.HasSuffix(lower, ".zip"):
		return resource.NewZipLayer(spec)
	case strings.HasSuffix(lower, ".bundle"):
		return resource.NewBundleLayer(spec)
	}
	st, err := os.Stat(spec)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("'%s' is not a directory, .zip or .bundle file", spec)
	}
	return resource.NewDirLayer(spec), nil
}

func newMinioLayer(ctx context.Context, spec string) (resource.Layer, error) {
	uri, err := url.Parse(spec)
	if err != nil {
		return nil, err
	}
	config := &resource.MinioConfig{
		Access:   os.Getenv("MINIO_ACCESS_KEY"),
		Secret:   os.Getenv("MINIO_SECRET_KEY"),
		Endpoint: os.Getenv("MINIO_ENDPOINT"),
		Region:   os.Getenv("MINIO_REGION"),
		Insecure: os.Getenv("MINIO_INSECURE") == "1",
		Bucket:   uri.Host,
		Root:     uri.Path,
	}
	return resource.NewMinioLayer(ctx, config)
}

// newStack creates layers in order, later layers override earlier ones
func newStack(ctx context.Context, specs []string) (*resource.Stack, error) {
	stack := resource.NewStack()
	for _, spec := range specs {
		l, err := newLayer(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("layer '%s': %w", spec, err)
		}
		stack.Push(l)
	}
	return stack, nil
}
