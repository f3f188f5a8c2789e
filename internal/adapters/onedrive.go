package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
)

const (
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	oneDriveAppRoot     = "/me/drive/special/approot"
	maxOneDriveBody     = 32 << 20
)

// OneDrive stores sync objects in the application folder of the user's
// drive through Microsoft Graph.
type OneDrive struct {
	base
}

func NewOneDrive(options Options) (*OneDrive, error) {
	shared, err := newBase(connector.ProviderOneDrive, options, defaultGraphBaseURL)
	if err != nil {
		return nil, err
	}
	return &OneDrive{base: shared}, nil
}

func (d *OneDrive) Provider() connector.Provider {
	return connector.ProviderOneDrive
}

func (d *OneDrive) List(ctx context.Context, request connector.ListRequest) (connector.ListResult, error) {
	requestCtx, cancel, err := d.begin(ctx, request.TimeoutMs)
	if err != nil {
		return connector.ListResult{}, err
	}
	defer cancel()

	prefix := strings.Trim(strings.TrimSpace(request.Prefix), "/")
	target := request.Cursor
	if target == "" {
		query := url.Values{}
		query.Set("$top", fmt.Sprint(d.pageSize(request.Limit)))
		query.Set("$select", "name,eTag,lastModifiedDateTime,size,folder")
		target = d.itemURL(prefix, "children") + "?" + query.Encode()
	}

	result, err := connector.Execute(requestCtx, d.tokens, func(callCtx context.Context, token string) (connector.ListResult, error) {
		_, body, callErr := d.do(callCtx, http.MethodGet, target, token, nil, nil)
		listed := connector.ListResult{Provider: connector.ProviderOneDrive, Files: []connector.FileEntry{}}
		if isNotFound(callErr) {
			return listed, nil
		}
		if callErr != nil {
			return connector.ListResult{}, callErr
		}
		var page driveItemPage
		if decodeErr := json.Unmarshal(body, &page); decodeErr != nil {
			return connector.ListResult{}, connector.FallbackError(connector.ProviderOneDrive)
		}
		for _, item := range page.Value {
			if item.Folder != nil {
				continue
			}
			key := item.Name
			if prefix != "" {
				key = prefix + "/" + key
			}
			listed.Files = append(listed.Files, connector.FileEntry{
				Key:       key,
				ETag:      item.ETag,
				UpdatedAt: item.LastModifiedDateTime,
				SizeBytes: item.Size,
			})
		}
		listed.Files = keepAfter(listed.Files, request.StartAfter)
		listed.NextCursor = page.NextLink
		return listed, nil
	})
	d.logFailure("onedrive.list", err, zap.String("prefix", prefix))
	return result, err
}

func (d *OneDrive) Read(ctx context.Context, request connector.ReadRequest) (connector.ReadResult, error) {
	key, err := cleanKey(request.Key)
	if err != nil {
		return connector.ReadResult{}, err
	}
	requestCtx, cancel, err := d.begin(ctx, request.TimeoutMs)
	if err != nil {
		return connector.ReadResult{}, err
	}
	defer cancel()

	result, err := connector.Execute(requestCtx, d.tokens, func(callCtx context.Context, token string) (connector.ReadResult, error) {
		header := http.Header{}
		if request.ETag != "" {
			header.Set("If-None-Match", request.ETag)
		}
		status, body, callErr := d.do(callCtx, http.MethodGet, d.itemURL(key, ""), token, header, nil)
		if callErr != nil {
			return connector.ReadResult{}, callErr
		}
		if status == http.StatusNotModified {
			return connector.ReadResult{Provider: connector.ProviderOneDrive, Key: key, ETag: request.ETag, NotModified: true}, nil
		}
		metadata := gjson.ParseBytes(body)

		_, content, callErr := d.do(callCtx, http.MethodGet, d.itemURL(key, "content"), token, nil, nil)
		if callErr != nil {
			return connector.ReadResult{}, callErr
		}
		return connector.ReadResult{
			Provider:  connector.ProviderOneDrive,
			Key:       key,
			ETag:      metadata.Get("eTag").String(),
			Content:   content,
			UpdatedAt: metadata.Get("lastModifiedDateTime").String(),
		}, nil
	})
	d.logFailure("onedrive.read", err, zap.String("key", key))
	return result, err
}

func (d *OneDrive) Write(ctx context.Context, request connector.WriteRequest) (connector.WriteResult, error) {
	key, err := cleanKey(request.Key)
	if err != nil {
		return connector.WriteResult{}, err
	}
	requestCtx, cancel, err := d.begin(ctx, request.TimeoutMs)
	if err != nil {
		return connector.WriteResult{}, err
	}
	defer cancel()

	contentType := request.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	result, err := connector.Execute(requestCtx, d.tokens, func(callCtx context.Context, token string) (connector.WriteResult, error) {
		header := http.Header{}
		header.Set("Content-Type", contentType)
		if request.IfMatch != "" {
			header.Set("If-Match", request.IfMatch)
		}
		_, body, callErr := d.do(callCtx, http.MethodPut, d.itemURL(key, "content"), token, header, request.Content)
		if callErr != nil {
			return connector.WriteResult{}, callErr
		}
		item := gjson.ParseBytes(body)
		return connector.WriteResult{
			Provider:  connector.ProviderOneDrive,
			Key:       key,
			ETag:      item.Get("eTag").String(),
			UpdatedAt: item.Get("lastModifiedDateTime").String(),
		}, nil
	})
	d.logFailure("onedrive.write", err, zap.String("key", key))
	return result, err
}

// itemURL addresses an app folder item by path. An empty key addresses the
// app folder itself.
func (d *OneDrive) itemURL(key, action string) string {
	root := d.baseURL + oneDriveAppRoot
	if key == "" {
		if action == "" {
			return root
		}
		return root + "/" + action
	}
	segments := strings.Split(key, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	address := root + ":/" + strings.Join(segments, "/")
	if action == "" {
		return address
	}
	return address + ":/" + action
}

// do performs one Graph request. 304 is returned to the caller as a status;
// every other non-2xx status becomes a connector error.
func (d *OneDrive) do(ctx context.Context, method, target, token string, header http.Header, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, connector.FromTransportError(connector.ProviderOneDrive, err)
	}
	for name, values := range header {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")

	response, err := d.httpClient.Do(request)
	if err != nil {
		return 0, nil, connector.FromTransportError(connector.ProviderOneDrive, err)
	}
	defer response.Body.Close()
	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxOneDriveBody))
	if err != nil {
		return 0, nil, connector.FromTransportError(connector.ProviderOneDrive, err)
	}
	if response.StatusCode == http.StatusNotModified {
		return response.StatusCode, nil, nil
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return 0, nil, connector.FromHTTPResponse(connector.ProviderOneDrive, response.StatusCode, response.Header, responseBody)
	}
	return response.StatusCode, responseBody, nil
}

type driveItemPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

type driveItem struct {
	Name                 string          `json:"name"`
	ETag                 string          `json:"eTag"`
	LastModifiedDateTime string          `json:"lastModifiedDateTime"`
	Size                 int64           `json:"size"`
	Folder               json.RawMessage `json:"folder"`
}

func isNotFound(err error) bool {
	connectorErr, ok := connector.AsError(err)
	return ok && connectorErr.Status != nil && *connectorErr.Status == http.StatusNotFound
}

var _ connector.Connector = (*OneDrive)(nil)
