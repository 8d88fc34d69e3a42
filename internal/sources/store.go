package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"vshift/internal/external"
	"vshift/internal/rasterio"
)

// Store opens objects addressed by URI. Missing objects are reported as
// rasterio.ErrNotFound so that Zarr readers can treat them as fill.
type Store interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// S3Client abstracts the S3 GetObject operation for testability.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// FileStore reads local paths and file:// URIs.
type FileStore struct{}

func (FileStore) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(uri, "file://")
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, rasterio.ErrNotFound)
	}
	return f, err
}

// S3Store reads s3://bucket/key URIs.
type S3Store struct {
	client S3Client
}

// NewS3Store creates a store over an S3 client.
func NewS3Store(client S3Client) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", uri, rasterio.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get %s: %w", uri, err)
	}
	return out.Body, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 uri %q has no key", uri)
	}
	return u.Host, key, nil
}

// HTTPStore reads http(s) URIs through the shared BaseClient.
type HTTPStore struct {
	client *external.BaseClient
}

// NewHTTPStore creates a store over client.
func NewHTTPStore(client *external.BaseClient) *HTTPStore {
	return &HTTPStore{client: client}
}

func (h *HTTPStore) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	resp, err := h.client.Get(ctx, uri)
	if errors.Is(err, external.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", uri, rasterio.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Router dispatches URIs to stores by scheme. Bare paths go to the file
// store. Router satisfies rasterio.ObjectGetter.
type Router struct {
	stores map[string]Store
}

var _ rasterio.ObjectGetter = (*Router)(nil)

// NewRouter creates a router with a FileStore registered for "file" and
// bare paths.
func NewRouter() *Router {
	return &Router{stores: map[string]Store{"file": FileStore{}}}
}

// Register binds a store to one or more schemes.
func (r *Router) Register(s Store, schemes ...string) *Router {
	for _, scheme := range schemes {
		r.stores[strings.ToLower(scheme)] = s
	}
	return r
}

// GetObject opens the object at uri.
func (r *Router) GetObject(ctx context.Context, uri string) (io.ReadCloser, error) {
	scheme := "file"
	if i := strings.Index(uri, "://"); i > 0 {
		scheme = strings.ToLower(uri[:i])
	}
	s, ok := r.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("no store registered for scheme %q", scheme)
	}
	return s.Open(ctx, uri)
}

// ReadAll downloads the whole object at uri.
func (r *Router) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	body, err := r.GetObject(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	return data, nil
}
