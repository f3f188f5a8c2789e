package adapters

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
)

// GCS stores sync objects in a Cloud Storage bucket. Conditional writes map
// the caller's etag onto a generation precondition.
type GCS struct {
	base
	bucket           string
	endpointOverride bool
}

func NewGCS(bucket string, options Options) (*GCS, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errMissingBucket
	}
	shared, err := newBase(connector.ProviderGCS, options, "")
	if err != nil {
		return nil, err
	}
	return &GCS{base: shared, bucket: bucket, endpointOverride: shared.baseURL != ""}, nil
}

func (g *GCS) Provider() connector.Provider {
	return connector.ProviderGCS
}

func (g *GCS) List(ctx context.Context, request connector.ListRequest) (connector.ListResult, error) {
	requestCtx, cancel, err := g.begin(ctx, request.TimeoutMs)
	if err != nil {
		return connector.ListResult{}, err
	}
	defer cancel()

	prefix := strings.Trim(strings.TrimSpace(request.Prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	result, err := connector.Execute(requestCtx, g.tokens, func(callCtx context.Context, token string) (connector.ListResult, error) {
		client, clientErr := g.client(callCtx, token)
		if clientErr != nil {
			return connector.ListResult{}, clientErr
		}
		defer client.Close()

		objects := client.Bucket(g.bucket).Objects(callCtx, &storage.Query{Prefix: prefix, StartOffset: request.StartAfter})
		var page []*storage.ObjectAttrs
		nextCursor, pageErr := iterator.NewPager(objects, g.pageSize(request.Limit), request.Cursor).NextPage(&page)
		if pageErr != nil {
			return connector.ListResult{}, gcsError(pageErr)
		}
		listed := gcsListResult(page, nextCursor)
		listed.Files = keepAfter(listed.Files, request.StartAfter)
		return listed, nil
	})
	g.logFailure("gcs.list", err, zap.String("bucket", g.bucket), zap.String("prefix", prefix))
	return result, err
}

func (g *GCS) Read(ctx context.Context, request connector.ReadRequest) (connector.ReadResult, error) {
	key, err := cleanKey(request.Key)
	if err != nil {
		return connector.ReadResult{}, err
	}
	requestCtx, cancel, err := g.begin(ctx, request.TimeoutMs)
	if err != nil {
		return connector.ReadResult{}, err
	}
	defer cancel()

	result, err := connector.Execute(requestCtx, g.tokens, func(callCtx context.Context, token string) (connector.ReadResult, error) {
		client, clientErr := g.client(callCtx, token)
		if clientErr != nil {
			return connector.ReadResult{}, clientErr
		}
		defer client.Close()

		object := client.Bucket(g.bucket).Object(key)
		attrs, attrsErr := object.Attrs(callCtx)
		if attrsErr != nil {
			return connector.ReadResult{}, gcsError(attrsErr)
		}
		if request.ETag != "" && request.ETag == attrs.Etag {
			return connector.ReadResult{Provider: connector.ProviderGCS, Key: key, ETag: attrs.Etag, NotModified: true, UpdatedAt: formatTime(attrs.Updated)}, nil
		}
		reader, readerErr := object.Generation(attrs.Generation).NewReader(callCtx)
		if readerErr != nil {
			return connector.ReadResult{}, gcsError(readerErr)
		}
		defer reader.Close()
		content, readErr := io.ReadAll(reader)
		if readErr != nil {
			return connector.ReadResult{}, gcsError(readErr)
		}
		return connector.ReadResult{
			Provider:  connector.ProviderGCS,
			Key:       key,
			ETag:      attrs.Etag,
			Content:   content,
			UpdatedAt: formatTime(attrs.Updated),
		}, nil
	})
	g.logFailure("gcs.read", err, zap.String("bucket", g.bucket), zap.String("key", key))
	return result, err
}

func (g *GCS) Write(ctx context.Context, request connector.WriteRequest) (connector.WriteResult, error) {
	key, err := cleanKey(request.Key)
	if err != nil {
		return connector.WriteResult{}, err
	}
	requestCtx, cancel, err := g.begin(ctx, request.TimeoutMs)
	if err != nil {
		return connector.WriteResult{}, err
	}
	defer cancel()

	contentType := request.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	result, err := connector.Execute(requestCtx, g.tokens, func(callCtx context.Context, token string) (connector.WriteResult, error) {
		client, clientErr := g.client(callCtx, token)
		if clientErr != nil {
			return connector.WriteResult{}, clientErr
		}
		defer client.Close()

		object := client.Bucket(g.bucket).Object(key)
		if request.IfMatch != "" {
			attrs, attrsErr := object.Attrs(callCtx)
			if attrsErr != nil {
				if errors.Is(attrsErr, storage.ErrObjectNotExist) {
					return connector.WriteResult{}, preconditionFailed()
				}
				return connector.WriteResult{}, gcsError(attrsErr)
			}
			if attrs.Etag != request.IfMatch {
				return connector.WriteResult{}, preconditionFailed()
			}
			object = object.If(storage.Conditions{GenerationMatch: attrs.Generation})
		}

		writer := object.NewWriter(callCtx)
		writer.ContentType = contentType
		if _, writeErr := writer.Write(request.Content); writeErr != nil {
			_ = writer.Close()
			return connector.WriteResult{}, gcsError(writeErr)
		}
		if closeErr := writer.Close(); closeErr != nil {
			return connector.WriteResult{}, gcsError(closeErr)
		}
		written := writer.Attrs()
		return connector.WriteResult{
			Provider:  connector.ProviderGCS,
			Key:       key,
			ETag:      written.Etag,
			UpdatedAt: formatTime(written.Updated),
		}, nil
	})
	g.logFailure("gcs.write", err, zap.String("bucket", g.bucket), zap.String("key", key))
	return result, err
}

// client builds a storage client bound to token. Retries are disabled so the
// retry-once contract stays the only retry layer.
func (g *GCS) client(ctx context.Context, token string) (*storage.Client, error) {
	options := []option.ClientOption{option.WithHTTPClient(bearerClient(g.httpClient, token))}
	if g.endpointOverride {
		options = append(options, option.WithEndpoint(g.baseURL+"/storage/v1/"))
	}
	client, err := storage.NewClient(ctx, options...)
	if err != nil {
		return nil, connector.NewError(connector.ProviderGCS, connector.CodeNotConfigured, "Cloud Storage client could not be created.")
	}
	client.SetRetry(storage.WithPolicy(storage.RetryNever))
	return client, nil
}

func gcsListResult(page []*storage.ObjectAttrs, nextCursor string) connector.ListResult {
	result := connector.ListResult{Provider: connector.ProviderGCS, Files: make([]connector.FileEntry, 0, len(page)), NextCursor: nextCursor}
	for _, attrs := range page {
		if attrs == nil || attrs.Name == "" {
			continue
		}
		result.Files = append(result.Files, connector.FileEntry{
			Key:       attrs.Name,
			ETag:      attrs.Etag,
			UpdatedAt: formatTime(attrs.Updated),
			SizeBytes: attrs.Size,
		})
	}
	return result
}

func gcsError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		status := http.StatusNotFound
		notFound := connector.NewError(connector.ProviderGCS, connector.CodeNotFound, "Object was not found.")
		notFound.Status = &status
		return notFound
	}
	return googleError(connector.ProviderGCS, err)
}

func preconditionFailed() error {
	status := http.StatusPreconditionFailed
	failure := connector.NewError(connector.ProviderGCS, connector.CodePreconditionFailed, "Object changed since it was read.")
	failure.Status = &status
	return failure
}

var _ connector.Connector = (*GCS)(nil)
