package sources

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/paulmach/orb"

	"vshift/internal/types"
)

// S3ListClient abstracts the S3 ListObjectsV2 operation for testability.
type S3ListClient interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// gridKeyPattern matches <dataset>/<name>.<ext> below the catalog prefix.
// Zarr arrays are recognised by their .zarray member.
var gridKeyPattern = regexp.MustCompile(`^([A-Za-z0-9_.-]+)/([^/]+?)\.(gtx|tif|tiff|zarr/\.zarray)$`)

// uncertaintySuffix marks companion uncertainty rasters, e.g. mllw_unc.gtx.
const uncertaintySuffix = "_unc"

// S3Catalog discovers source grids by listing a bucket prefix laid out as
// <prefix>/<dataset>/<name>.<ext>. Listed grids carry no coverage polygon, so
// every grid of a dataset is a candidate for every region.
type S3Catalog struct {
	client S3ListClient
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Catalog creates a catalog over s3://bucket/prefix.
func NewS3Catalog(client S3ListClient, bucket, prefix string, logger *slog.Logger) *S3Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Catalog{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// Lookup lists <prefix>/<dataset>/ and returns the grids found there.
func (c *S3Catalog) Lookup(ctx context.Context, dataset string, bound orb.Bound) ([]types.GridSource, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix + dataset + "/"),
	}

	found := make(map[string]*types.GridSource)
	uncertainty := make(map[string]string)

	// Paginate through results.
	for {
		output, err := c.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("listing s3://%s/%s", c.bucket, aws.ToString(input.Prefix)), err)
		}

		for _, obj := range output.Contents {
			if obj.Key == nil {
				continue
			}
			ds, name, ext, ok := parseGridKey(strings.TrimPrefix(*obj.Key, c.prefix))
			if !ok || !strings.EqualFold(ds, dataset) {
				continue
			}
			format := ext
			uri := fmt.Sprintf("s3://%s/%s", c.bucket, *obj.Key)
			if strings.HasPrefix(ext, "zarr") {
				format = "zarr"
				uri = strings.TrimSuffix(uri, "/.zarray")
			}
			if base, isUnc := strings.CutSuffix(name, uncertaintySuffix); isUnc {
				uncertainty[base] = uri
				continue
			}
			src := &types.GridSource{
				ID:      ds + "/" + name,
				Dataset: ds,
				URI:     uri,
				Format:  format,
			}
			if obj.LastModified != nil {
				src.Published = obj.LastModified.UTC()
			}
			found[name] = src
		}

		if output.IsTruncated == nil || !*output.IsTruncated {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	out := make([]types.GridSource, 0, len(found))
	for name, src := range found {
		src.UncertaintyURI = uncertainty[name]
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	c.logger.DebugContext(ctx, "listed source grids",
		"bucket", c.bucket,
		"dataset", dataset,
		"count", len(out),
	)
	return filterSources(out, bound), nil
}

// parseGridKey splits a key relative to the catalog prefix.
func parseGridKey(key string) (dataset, name, ext string, ok bool) {
	m := gridKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], strings.ToLower(m[3]), true
}
