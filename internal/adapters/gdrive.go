package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
)

const (
	driveAppDataSpace = "appDataFolder"
	driveFileFields   = "id,name,md5Checksum,modifiedTime,size"
)

// GoogleDrive stores sync objects in the hidden application data folder of a
// Google Drive account. Object keys are stored verbatim as file names and the
// md5 checksum serves as the etag.
type GoogleDrive struct {
	base
	endpointOverride bool
}

func NewGoogleDrive(options Options) (*GoogleDrive, error) {
	shared, err := newBase(connector.ProviderGoogleDrive, options, "")
	if err != nil {
		return nil, err
	}
	return &GoogleDrive{base: shared, endpointOverride: shared.baseURL != ""}, nil
}

func (g *GoogleDrive) Provider() connector.Provider {
	return connector.ProviderGoogleDrive
}

func (g *GoogleDrive) List(ctx context.Context, request connector.ListRequest) (connector.ListResult, error) {
	requestCtx, cancel, err := g.begin(ctx, request.TimeoutMs)
	if err != nil {
		return connector.ListResult{}, err
	}
	defer cancel()

	prefix := strings.Trim(strings.TrimSpace(request.Prefix), "/")
	result, err := connector.Execute(requestCtx, g.tokens, func(callCtx context.Context, token string) (connector.ListResult, error) {
		service, serviceErr := g.service(callCtx, token)
		if serviceErr != nil {
			return connector.ListResult{}, serviceErr
		}
		call := service.Files.List().
			Spaces(driveAppDataSpace).
			Q(driveListQuery(prefix)).
			OrderBy("name").
			PageSize(int64(g.pageSize(request.Limit))).
			Fields(googleapi.Field("nextPageToken,files(" + driveFileFields + ")")).
			Context(callCtx)
		if request.Cursor != "" {
			call = call.PageToken(request.Cursor)
		}
		listed, callErr := call.Do()
		if callErr != nil {
			return connector.ListResult{}, googleError(connector.ProviderGoogleDrive, callErr)
		}
		result := driveListResult(prefix, listed)
		result.Files = keepAfter(result.Files, request.StartAfter)
		return result, nil
	})
	g.logFailure("gdrive.list", err, zap.String("prefix", prefix))
	return result, err
}

func (g *GoogleDrive) Read(ctx context.Context, request connector.ReadRequest) (connector.ReadResult, error) {
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
		service, serviceErr := g.service(callCtx, token)
		if serviceErr != nil {
			return connector.ReadResult{}, serviceErr
		}
		file, findErr := g.find(callCtx, service, key)
		if findErr != nil {
			return connector.ReadResult{}, findErr
		}
		if file == nil {
			return connector.ReadResult{}, connector.NewError(connector.ProviderGoogleDrive, connector.CodeNotFound, "Object was not found.")
		}
		if request.ETag != "" && request.ETag == file.Md5Checksum {
			return connector.ReadResult{Provider: connector.ProviderGoogleDrive, Key: key, ETag: file.Md5Checksum, NotModified: true, UpdatedAt: file.ModifiedTime}, nil
		}
		response, downloadErr := service.Files.Get(file.Id).Context(callCtx).Download()
		if downloadErr != nil {
			return connector.ReadResult{}, googleError(connector.ProviderGoogleDrive, downloadErr)
		}
		defer response.Body.Close()
		content, readErr := io.ReadAll(response.Body)
		if readErr != nil {
			return connector.ReadResult{}, connector.FromTransportError(connector.ProviderGoogleDrive, readErr)
		}
		return connector.ReadResult{
			Provider:  connector.ProviderGoogleDrive,
			Key:       key,
			ETag:      file.Md5Checksum,
			Content:   content,
			UpdatedAt: file.ModifiedTime,
		}, nil
	})
	g.logFailure("gdrive.read", err, zap.String("key", key))
	return result, err
}

// Write creates the file or replaces its content. Drive offers no etag
// precondition, so IfMatch is ignored.
func (g *GoogleDrive) Write(ctx context.Context, request connector.WriteRequest) (connector.WriteResult, error) {
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
		service, serviceErr := g.service(callCtx, token)
		if serviceErr != nil {
			return connector.WriteResult{}, serviceErr
		}
		existing, findErr := g.find(callCtx, service, key)
		if findErr != nil {
			return connector.WriteResult{}, findErr
		}
		media := bytes.NewReader(request.Content)
		var written *drive.File
		var callErr error
		if existing == nil {
			written, callErr = service.Files.Create(&drive.File{Name: key, Parents: []string{driveAppDataSpace}}).
				Media(media, googleapi.ContentType(contentType)).
				Fields(googleapi.Field(driveFileFields)).
				Context(callCtx).
				Do()
		} else {
			written, callErr = service.Files.Update(existing.Id, &drive.File{}).
				Media(media, googleapi.ContentType(contentType)).
				Fields(googleapi.Field(driveFileFields)).
				Context(callCtx).
				Do()
		}
		if callErr != nil {
			return connector.WriteResult{}, googleError(connector.ProviderGoogleDrive, callErr)
		}
		return connector.WriteResult{
			Provider:  connector.ProviderGoogleDrive,
			Key:       key,
			ETag:      written.Md5Checksum,
			UpdatedAt: written.ModifiedTime,
		}, nil
	})
	g.logFailure("gdrive.write", err, zap.String("key", key))
	return result, err
}

func (g *GoogleDrive) service(ctx context.Context, token string) (*drive.Service, error) {
	options := []option.ClientOption{option.WithHTTPClient(bearerClient(g.httpClient, token))}
	if g.endpointOverride {
		options = append(options, option.WithEndpoint(g.baseURL+"/"))
	}
	service, err := drive.NewService(ctx, options...)
	if err != nil {
		return nil, connector.NewError(connector.ProviderGoogleDrive, connector.CodeNotConfigured, "Google Drive client could not be created.")
	}
	return service, nil
}

func (g *GoogleDrive) find(ctx context.Context, service *drive.Service, key string) (*drive.File, error) {
	listed, err := service.Files.List().
		Spaces(driveAppDataSpace).
		Q(fmt.Sprintf("name = '%s' and trashed = false", escapeDriveQuery(key))).
		PageSize(1).
		Fields(googleapi.Field("files(" + driveFileFields + ")")).
		Context(ctx).
		Do()
	if err != nil {
		return nil, googleError(connector.ProviderGoogleDrive, err)
	}
	if len(listed.Files) == 0 {
		return nil, nil
	}
	return listed.Files[0], nil
}

func driveListQuery(prefix string) string {
	if prefix == "" {
		return "trashed = false"
	}
	return fmt.Sprintf("name contains '%s' and trashed = false", escapeDriveQuery(prefix+"/"))
}

// driveListResult keeps only names under prefix; Drive's "contains" operator
// matches more than a prefix.
func driveListResult(prefix string, listed *drive.FileList) connector.ListResult {
	result := connector.ListResult{Provider: connector.ProviderGoogleDrive, Files: []connector.FileEntry{}}
	if listed == nil {
		return result
	}
	for _, file := range listed.Files {
		if file == nil {
			continue
		}
		if prefix != "" && !strings.HasPrefix(file.Name, prefix+"/") {
			continue
		}
		result.Files = append(result.Files, connector.FileEntry{
			Key:       file.Name,
			ETag:      file.Md5Checksum,
			UpdatedAt: file.ModifiedTime,
			SizeBytes: file.Size,
		})
	}
	result.NextCursor = listed.NextPageToken
	return result
}

func escapeDriveQuery(value string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
}

var _ connector.Connector = (*GoogleDrive)(nil)
