package connector

import "context"

// Connector is a managed storage backend normalized to list/read/write.
type Connector interface {
	Provider() Provider
	List(ctx context.Context, request ListRequest) (ListResult, error)
	Read(ctx context.Context, request ReadRequest) (ReadResult, error)
	Write(ctx context.Context, request WriteRequest) (WriteResult, error)
}

// ListRequest pages through objects under Prefix. When StartAfter is set only
// keys sorting strictly after it are returned.
type ListRequest struct {
	Limit      int
	Cursor     string
	Prefix     string
	StartAfter string
	TimeoutMs  int64
}

// FileEntry describes one stored object.
type FileEntry struct {
	Key       string `json:"key"`
	ETag      string `json:"etag"`
	UpdatedAt string `json:"updated_at"`
	SizeBytes int64  `json:"size_bytes"`
}

type ListResult struct {
	Provider   Provider    `json:"provider"`
	Files      []FileEntry `json:"files"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// ReadRequest fetches Key. When ETag matches the stored object the read
// reports NotModified and carries no content.
type ReadRequest struct {
	Key       string
	ETag      string
	TimeoutMs int64
}

type ReadResult struct {
	Provider    Provider `json:"provider"`
	Key         string   `json:"key"`
	ETag        string   `json:"etag"`
	NotModified bool     `json:"not_modified"`
	Content     []byte   `json:"content"`
	UpdatedAt   string   `json:"updated_at"`
}

// WriteRequest stores Content under Key. IfMatch makes the write conditional
// on providers that support etag preconditions and is ignored elsewhere.
type WriteRequest struct {
	Key         string
	Content     []byte
	ContentType string
	IfMatch     string
	TimeoutMs   int64
}

type WriteResult struct {
	Provider  Provider `json:"provider"`
	Key       string   `json:"key"`
	ETag      string   `json:"etag"`
	UpdatedAt string   `json:"updated_at"`
}
