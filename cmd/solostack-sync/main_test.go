package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/auth"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/config"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/database"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/store"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
	"go.uber.org/zap"
)

func TestRootCommandRegistersSubcommands(testContext *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{
		{"run"}, {"once"}, {"serve"},
		{"conflicts", "list"}, {"conflicts", "show"}, {"conflicts", "resolve"},
		{"auth", "selftest"}, {"auth", "refresh"}, {"token", "issue"},
	} {
		found, _, err := root.Find(path)
		if err != nil || found == nil || found.Name() != path[len(path)-1] {
			testContext.Fatalf("expected command %v, got %v (%v)", path, found, err)
		}
	}
}

func TestResolveTransportStatuses(testContext *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	testCases := []struct {
		name     string
		config   config.AppConfig
		expected transport.Status
	}{
		{
			name:     "generic with both urls",
			config:   config.AppConfig{Provider: connector.ProviderGenericHTTP, PushURL: "http://relay.local/push", PullURL: "http://relay.local/pull"},
			expected: transport.StatusReady,
		},
		{
			name:     "generic with one url",
			config:   config.AppConfig{Provider: connector.ProviderGenericHTTP, PushURL: "http://relay.local/push"},
			expected: transport.StatusInvalidConfig,
		},
		{
			name:     "generic without urls",
			config:   config.AppConfig{Provider: connector.ProviderGenericHTTP},
			expected: transport.StatusProviderUnavailable,
		},
		{
			name:     "managed without credentials",
			config:   config.AppConfig{Provider: connector.ProviderOneDrive},
			expected: transport.StatusProviderUnavailable,
		},
		{
			name:     "gcs with access token",
			config:   config.AppConfig{Provider: connector.ProviderGCS, ProviderBucket: "solostack", ProviderAccessToken: "token"},
			expected: transport.StatusReady,
		},
		{
			name:     "drive with refresh prerequisites",
			config:   config.AppConfig{Provider: connector.ProviderGoogleDrive, ProviderRefreshToken: "refresh", ProviderTokenRefreshURL: "http://auth.local/token"},
			expected: transport.StatusReady,
		},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			testCase.config.RequestTimeoutMs = 5_000
			resolution := resolveTransport(ctx, testCase.config, auth.UnavailableStore{}, logger)
			if resolution.Status != testCase.expected {
				t.Fatalf("expected %s, got %s (%s)", testCase.expected, resolution.Status, resolution.Warning)
			}
			if (resolution.Transport != nil) != (testCase.expected == transport.StatusReady) {
				t.Fatalf("transport presence does not match status %s", resolution.Status)
			}
		})
	}
}

func TestLoadConflictDetailBuildsDiff(testContext *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "cli.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("open sqlite: %v", err)
	}
	service, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1_700_000_600, 0) },
		IDProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("new store: %v", err)
	}

	local := syncmodel.Change{
		EntityType:      syncmodel.EntityProject,
		EntityID:        "project-1",
		Operation:       syncmodel.OperationUpsert,
		UpdatedAt:       syncmodel.FormatTimestamp(time.Unix(1_700_000_000, 0)),
		UpdatedByDevice: "laptop",
		SyncVersion:     1,
		Payload:         `{"name":"Home","description":"first line\nlocal edit"}`,
		IdempotencyKey:  "local-1",
	}
	if err := service.ApplyLocalChange(ctx, local); err != nil {
		testContext.Fatalf("apply local: %v", err)
	}
	remote := local
	remote.UpdatedByDevice = "phone"
	remote.Payload = `{"name":"Home","description":"first line\nremote edit"}`
	remote.IdempotencyKey = "remote-1"
	result, err := service.ApplyIncomingChange(ctx, remote)
	if err != nil {
		testContext.Fatalf("apply incoming: %v", err)
	}
	if result.Outcome != store.OutcomeConflict {
		testContext.Fatalf("expected a conflict, got %s", result.Outcome)
	}

	detail, err := loadConflictDetail(ctx, service, result.ConflictID)
	if err != nil {
		testContext.Fatalf("load detail: %v", err)
	}
	if len(detail.Events) != 1 || detail.Events[0].EventType != store.EventDetected {
		testContext.Fatalf("expected detected event, got %+v", detail.Events)
	}
	if detail.Sources.Source != store.MergeSourceField {
		testContext.Fatalf("expected field merge source, got %s", detail.Sources.Source)
	}
	if len(detail.Diff) != 2 || detail.Diff[1].Kind == detail.Diff[0].Kind {
		testContext.Fatalf("expected one unchanged and one changed row, got %+v", detail.Diff)
	}
}

func TestConflictsListParsesFilterFlags(testContext *testing.T) {
	cmd := newConflictsListCommand()
	if err := cmd.ParseFlags([]string{"--entity-type", " task ", "--status", "resolved", "--limit", "10", "--offset", "20"}); err != nil {
		testContext.Fatalf("parse flags: %v", err)
	}
	filter, err := conflictFilterFromFlags(cmd)
	if err != nil {
		testContext.Fatalf("build filter: %v", err)
	}
	if filter.EntityType != syncmodel.EntityTask || filter.Status != store.ConflictResolved || filter.Limit != 10 || filter.Offset != 20 {
		testContext.Fatalf("unexpected filter %+v", filter)
	}

	defaults := newConflictsListCommand()
	filter, err = conflictFilterFromFlags(defaults)
	if err != nil {
		testContext.Fatalf("build default filter: %v", err)
	}
	if filter.EntityType != "" || filter.Status != store.ConflictOpen || filter.Limit != 50 {
		testContext.Fatalf("unexpected default filter %+v", filter)
	}
}
