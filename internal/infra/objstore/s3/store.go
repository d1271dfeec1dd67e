// Package s3 provides the S3-backed ObjectStore driver. The core depends
// only on paginated listing and content fetch-by-key; both map directly to
// ListObjectsV2 continuation tokens and GetObject.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/pkg/common"
)

var _ scanning.ObjectStore = (*Store)(nil)

// Store implements scanning.ObjectStore against S3-compatible storage.
// Content fetches pass through a shared rate limiter to protect the
// storage backend from worker fan-out.
type Store struct {
	client  *awss3.Client
	limiter *common.RateLimiter
	tracer  trace.Tracer
}

// NewStore creates a Store using the ambient AWS credential chain.
func NewStore(ctx context.Context, region string, limiter *common.RateLimiter, tracer trace.Tracer) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &Store{
		client:  awss3.NewFromConfig(cfg),
		limiter: limiter,
		tracer:  tracer,
	}, nil
}

// NewStoreWithClient creates a Store around an existing client, for
// endpoint-overridden setups and tests against S3-compatible services.
func NewStoreWithClient(client *awss3.Client, limiter *common.RateLimiter, tracer trace.Tracer) *Store {
	return &Store{client: client, limiter: limiter, tracer: tracer}
}

// List returns one bounded page of the collection. The returned token is
// passed back verbatim on the next step; it never carries process state.
func (s *Store) List(
	ctx context.Context,
	collection, prefix, continuationToken string,
	pageSize int32,
) (scanning.ObjectPage, error) {
	ctx, span := s.tracer.Start(ctx, "s3.list_objects",
		trace.WithAttributes(
			attribute.String("bucket", collection),
			attribute.String("prefix", prefix),
			attribute.Int("page_size", int(pageSize)),
		))
	defer span.End()

	input := &awss3.ListObjectsV2Input{
		Bucket:  aws.String(collection),
		MaxKeys: aws.Int32(pageSize),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if continuationToken != "" {
		input.ContinuationToken = aws.String(continuationToken)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list objects failed")
		return scanning.ObjectPage{}, fmt.Errorf("listing bucket %s: %w", collection, err)
	}

	page := scanning.ObjectPage{
		Objects: make([]scanning.ObjectMeta, 0, len(out.Contents)),
	}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, scanning.ObjectMeta{
			Key:         aws.ToString(obj.Key),
			Fingerprint: trimETag(aws.ToString(obj.ETag)),
			Size:        aws.ToInt64(obj.Size),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}

	span.SetAttributes(attribute.Int("object_count", len(page.Objects)))
	return page, nil
}

// Get fetches an object's content and returns it with the stored version's
// fingerprint.
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, string, error) {
	ctx, span := s.tracer.Start(ctx, "s3.get_object",
		trace.WithAttributes(
			attribute.String("bucket", collection),
			attribute.String("key", key),
		))
	defer span.End()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, "", fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(collection),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get object failed")
		return nil, "", fmt.Errorf("fetching %s/%s: %w", collection, key, err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("reading %s/%s: %w", collection, key, err)
	}

	span.SetAttributes(attribute.Int("content_size", len(content)))
	return content, trimETag(aws.ToString(out.ETag)), nil
}

// trimETag strips the quotes S3 wraps around ETag values.
func trimETag(etag string) string { return strings.Trim(etag, `"`) }
