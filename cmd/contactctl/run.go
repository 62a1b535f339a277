package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/contactsync/internal/config"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the engines running in the foreground",
		Long:  "Resolve the contact and refresh remote data on a jittered interval until\ninterrupted. The config file is reloaded when it changes, and the push\nlistener runs when remote_data.push_url is set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()
			return runLoop(cmd.Context(), s, opts.configPath, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one foreground cycle and exit")
	return cmd
}

func runLoop(ctx context.Context, s *session, configPath string, once bool) error {
	payloads := s.sdk.RemoteData().Subscribe()
	defer payloads.Unsubscribe()
	go func() {
		for update := range payloads.C() {
			s.logger.Info("remote data updated", slog.Int("payloads", len(update)))
		}
	}()

	if configPath != "" && !once {
		watcher := config.NewWatcher(configPath, func(cfg config.Config) {
			if err := s.sdk.ApplyConfig(cfg); err != nil {
				s.logger.Warn("config not applied", slog.Any("error", err))
			}
		}, s.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("config watcher stopped", slog.Any("error", err))
			}
		}()
	}

	cycle := func() {
		cycleCtx, cancel := s.context(ctx)
		defer cancel()
		s.sdk.OnForeground()
		info, err := s.ensureContact(cycleCtx)
		if err != nil {
			s.logger.Warn("foreground cycle failed", slog.Any("error", err))
			return
		}
		s.logger.Info("foreground cycle completed",
			slog.String("contact_id", info.ContactID),
			slog.String("change_token", s.sdk.RemoteData().ChangeToken()),
		)
	}

	cycle()
	if once {
		return nil
	}
	timer := time.NewTimer(jitteredIntervalWithSample(s.cfg.Run.Interval.Std(), s.cfg.Run.Jitter, rand.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("run stopping", slog.Any("reason", ctx.Err()))
			return nil
		case <-timer.C:
			cycle()
			cfg := s.sdk.Config()
			timer.Reset(jitteredIntervalWithSample(cfg.Run.Interval.Std(), cfg.Run.Jitter, rand.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to jitterRatio either way;
// sample in [0,1] picks the point in that range.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
