package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/auth"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/config"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/schedule"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncer"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newRunCommand() *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context(), !background)
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "Use the background interval between cycles")
	return cmd
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single sync cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context())
		},
	}
}

// clientSession is a configured orchestrator plus the resources behind it.
type clientSession struct {
	runtime      *runtime
	orchestrator *syncer.Orchestrator
	secureStore  auth.SecureStore
	profile      atomic.Pointer[schedule.Profile]
}

func openClientSession(ctx context.Context) (*clientSession, error) {
	rt, err := openRuntime()
	if err != nil {
		return nil, err
	}
	if err := rt.config.RequireDevice(); err != nil {
		rt.Close()
		return nil, err
	}

	storeService, err := rt.storeService()
	if err != nil {
		rt.Close()
		return nil, err
	}

	secureStore := auth.NewEnclaveStore()
	resolution := resolveTransport(ctx, rt.config, secureStore, rt.logger)
	if resolution.Status != transport.StatusReady {
		rt.Close()
		return nil, fmt.Errorf("sync transport %s: %s", resolution.Status, resolution.Warning)
	}

	session := &clientSession{runtime: rt, secureStore: secureStore}
	profile := rt.config.Profile()
	session.profile.Store(&profile)

	orchestrator, err := syncer.New(syncer.Config{
		Store:       storeService,
		Transport:   resolution.Transport,
		DeviceID:    rt.config.DeviceID,
		CursorScope: defaultCursorScope,
		Profile:     session.currentProfile,
		Metrics:     diagnostics.NewMetrics(prometheus.DefaultRegisterer),
		Logger:      rt.logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	session.orchestrator = orchestrator
	return session, nil
}

func (s *clientSession) currentProfile() schedule.Profile {
	return *s.profile.Load()
}

func (s *clientSession) Close() {
	s.runtime.Close()
}

// reload applies a changed configuration file: the runtime profile is swapped
// immediately and the transport is replaced when the new settings resolve.
func (s *clientSession) reload(ctx context.Context, scheduler *schedule.Scheduler) {
	logger := s.runtime.logger
	next, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Warn("configuration reload rejected", zap.Error(err))
		return
	}
	profile := next.Profile()
	s.profile.Store(&profile)
	scheduler.SetProfile(profile)

	resolution := resolveTransport(ctx, next, s.secureStore, logger)
	if resolution.Status != transport.StatusReady {
		logger.Warn("keeping previous sync transport",
			zap.String("status", string(resolution.Status)),
			zap.String("warning", resolution.Warning))
		return
	}
	s.orchestrator.SetTransport(resolution.Transport)
	logger.Info("configuration reloaded",
		zap.String("provider", next.Provider.String()),
		zap.Int64("foreground_interval_ms", profile.ForegroundIntervalMs))
}

func runScheduler(ctx context.Context, foreground bool) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := openClientSession(signalCtx)
	if err != nil {
		return err
	}
	defer session.Close()

	scheduler, err := schedule.NewScheduler(schedule.SchedulerConfig{
		Cycle:      session.orchestrator.Cycle(),
		Profile:    session.currentProfile(),
		Foreground: foreground,
		Logger:     session.runtime.logger,
	})
	if err != nil {
		return err
	}

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(event fsnotify.Event) {
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				session.reload(signalCtx, scheduler)
			}
		})
		viper.WatchConfig()
	}

	// SIGHUP forces a cycle; SIGUSR1 and SIGUSR2 switch to foreground and
	// background pacing.
	controls := make(chan os.Signal, 1)
	signal.Notify(controls, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(controls)
	go func() {
		for {
			select {
			case <-signalCtx.Done():
				return
			case received := <-controls:
				switch received {
				case syscall.SIGUSR1:
					scheduler.SetForeground(true)
				case syscall.SIGUSR2:
					scheduler.SetForeground(false)
				default:
					scheduler.TriggerNow()
				}
			}
		}
	}()

	session.runtime.logger.Info("sync scheduler starting",
		zap.String("device_id", session.runtime.config.DeviceID),
		zap.String("provider", session.runtime.config.Provider.String()),
		zap.Bool("foreground", foreground))

	err = scheduler.Run(signalCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runOnce(ctx context.Context) error {
	session, err := openClientSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	report, cycleErr := session.orchestrator.RunCycle(ctx)
	output := struct {
		Report      syncer.Report        `json:"report"`
		Diagnostics diagnostics.Snapshot `json:"diagnostics"`
		Error       string               `json:"error,omitempty"`
	}{Report: report, Diagnostics: session.orchestrator.Snapshot()}
	if cycleErr != nil {
		output.Error = cycleErr.Error()
	}
	if err := writeJSON(os.Stdout, output); err != nil {
		return err
	}
	return cycleErr
}

func writeJSON(target *os.File, value interface{}) error {
	encoder := json.NewEncoder(target)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
