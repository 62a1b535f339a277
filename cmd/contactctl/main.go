package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/contactsync/internal/config"
	"github.com/agentworkforce/contactsync/internal/contact"
	"github.com/agentworkforce/contactsync/internal/sdk"
)

type rootOptions struct {
	configPath string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "contactctl",
		Short:         "Drive the contact and remote data engines",
		Long:          "Command-line interface for contact identity, audience edits and remote data.\nSettings come from a TOML or YAML file plus CONTACTSYNC_* environment variables.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", strings.TrimSpace(os.Getenv("CONTACTSYNC_CONFIG")), "config file (.toml, .yaml)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the backend")

	root.AddCommand(
		newIdentifyCmd(opts),
		newResetCmd(opts),
		newResolveCmd(opts),
		newTagsCmd(opts),
		newAttributesCmd(opts),
		newSubscriptionsCmd(opts),
		newRemoteDataCmd(opts),
		newRunCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// session is one opened engine for the duration of a command.
type session struct {
	cfg     config.Config
	sdk     *sdk.SDK
	logger  *slog.Logger
	timeout time.Duration
}

func openSession(cmd *cobra.Command, opts *rootOptions) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
	engine, err := sdk.New(sdk.Options{Config: cfg, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	return &session{cfg: cfg, sdk: engine, logger: logger, timeout: opts.timeout}, nil
}

func (s *session) Close() error {
	return s.sdk.Close()
}

func (s *session) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// ensureContact creates the channel if needed and waits for a stable
// contact ID.
func (s *session) ensureContact(ctx context.Context) (contact.IDInfo, error) {
	existing := s.sdk.Channel().Identifier()
	if _, err := s.sdk.CreateChannel(); err != nil {
		return contact.IDInfo{}, err
	}
	// A new channel resolves on its own; a stored one without a contact
	// needs a nudge.
	if _, ok := s.sdk.Contact().ContactIDInfo(); existing != "" && !ok {
		s.sdk.Contact().OnChannelCreated()
	}
	return s.sdk.Contact().StableContactIDInfo(ctx)
}

var errPending = errors.New("contact operations still pending")

// drain waits until every queued contact operation reached the backend.
func (s *session) drain(ctx context.Context) error {
	if err := s.sdk.Flush(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := len(s.sdk.Contact().Manager().Operations())
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d left: %w", errPending, pending, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printContact(w io.Writer, info contact.IDInfo) {
	fmt.Fprintf(w, "contact_id: %s\n", info.ContactID)
	if info.NamedUserID != "" {
		fmt.Fprintf(w, "named_user_id: %s\n", info.NamedUserID)
	}
	fmt.Fprintf(w, "resolved_at: %s\n", info.ResolveDate.UTC().Format(time.RFC3339))
}
