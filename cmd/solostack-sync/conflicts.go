package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/merge"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/store"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
	"github.com/spf13/cobra"
)

func newConflictsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve recorded sync conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(), newConflictsShowCommand(), newConflictsResolveCommand())
	return cmd
}

func newConflictsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := conflictFilterFromFlags(cmd)
			if err != nil {
				return err
			}
			return withStore(func(rt *runtime, service *store.Service) error {
				page, err := service.ListConflicts(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return writeJSON(os.Stdout, page)
			})
		},
	}
	cmd.Flags().String("status", string(store.ConflictOpen), "Conflict status filter (open, resolved, or empty for all)")
	cmd.Flags().String("entity-type", "", "Entity type filter")
	cmd.Flags().Int("limit", 50, "Page size")
	cmd.Flags().Int("offset", 0, "Page offset")
	return cmd
}

func conflictFilterFromFlags(cmd *cobra.Command) (store.ConflictFilter, error) {
	flags := cmd.Flags()
	status, err := flags.GetString("status")
	if err != nil {
		return store.ConflictFilter{}, err
	}
	entityType, err := flags.GetString("entity-type")
	if err != nil {
		return store.ConflictFilter{}, err
	}
	limit, err := flags.GetInt("limit")
	if err != nil {
		return store.ConflictFilter{}, err
	}
	offset, err := flags.GetInt("offset")
	if err != nil {
		return store.ConflictFilter{}, err
	}
	return store.ConflictFilter{
		Status:     store.ConflictStatus(strings.TrimSpace(status)),
		EntityType: syncmodel.EntityType(strings.TrimSpace(entityType)),
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// conflictDetail is everything a person needs to decide on one conflict.
type conflictDetail struct {
	Conflict store.Conflict        `json:"conflict"`
	Events   []store.ConflictEvent `json:"events"`
	Sources  merge.Sources         `json:"sources"`
	Diff     []merge.DiffRow       `json:"diff"`
}

func newConflictsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show a conflict with its event trail and a line diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(rt *runtime, service *store.Service) error {
				detail, err := loadConflictDetail(cmd.Context(), service, args[0])
				if err != nil {
					return err
				}
				return writeJSON(os.Stdout, detail)
			})
		},
	}
}

func loadConflictDetail(ctx context.Context, service *store.Service, conflictID string) (conflictDetail, error) {
	record, err := service.GetConflict(ctx, conflictID)
	if err != nil {
		return conflictDetail{}, err
	}
	events, err := service.ListConflictEvents(ctx, conflictID)
	if err != nil {
		return conflictDetail{}, err
	}
	sources := merge.TextSources(record)
	return conflictDetail{
		Conflict: record,
		Events:   events,
		Sources:  sources,
		Diff:     merge.DiffRows(sources.LocalText, sources.RemoteText),
	}, nil
}

func newConflictsResolveCommand() *cobra.Command {
	var (
		strategy string
		textFile string
		source   string
		seedOnly bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with keep_local, keep_remote or manual_merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(rt *runtime, service *store.Service) error {
				ctx := cmd.Context()
				record, err := service.GetConflict(ctx, args[0])
				if err != nil {
					return err
				}
				if seedOnly {
					_, err := fmt.Fprintln(os.Stdout, merge.InitialText(merge.TextSources(record)))
					return err
				}
				if err := rt.config.RequireDevice(); err != nil {
					return err
				}

				request := store.ResolveRequest{
					ConflictID: record.ID,
					Strategy:   strings.TrimSpace(strategy),
					DeviceID:   rt.config.DeviceID,
				}
				if request.Strategy == string(store.StrategyManualMerge) {
					mergedText, err := readMergedText(cmd.InOrStdin(), textFile)
					if err != nil {
						return err
					}
					if source == "" {
						source = merge.TextSources(record).Source
					}
					request = merge.ResolutionPayload(record, mergedText, source).ResolveRequest(record.ID, request.DeviceID)
				}

				resolved, err := service.ResolveConflict(ctx, request)
				if err != nil {
					return err
				}
				return writeJSON(os.Stdout, resolved)
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "Resolution strategy (keep_local, keep_remote, manual_merge)")
	cmd.Flags().StringVar(&textFile, "text-file", "", "File holding the merged text for manual_merge; '-' or empty reads stdin")
	cmd.Flags().StringVar(&source, "source", "", "Merged text source (field or json); defaults to the conflict's merge source")
	cmd.Flags().BoolVar(&seedOnly, "print-seed", false, "Print the labeled LOCAL/REMOTE seed text and exit")
	return cmd
}

func withStore(run func(rt *runtime, service *store.Service) error) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	service, err := rt.storeService()
	if err != nil {
		return err
	}
	return run(rt, service)
}

func readMergedText(stdin io.Reader, path string) (string, error) {
	if path == "" || path == "-" {
		contents, err := io.ReadAll(stdin)
		return string(contents), err
	}
	contents, err := os.ReadFile(path)
	return string(contents), err
}
