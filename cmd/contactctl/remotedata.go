package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/agentworkforce/contactsync/internal/remotedata"
)

func newRemoteDataCmd(opts *rootOptions) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "remote-data [type]...",
		Short: "Refresh remote data and print payloads as JSON lines",
		Long:  "Refresh every enabled remote data source and print the merged payloads,\nfiltered to the given types. With --status only the cache state is printed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := s.context(cmd.Context())
			defer cancel()

			rd := s.sdk.RemoteData()
			out := cmd.OutOrStdout()
			if status {
				for _, source := range rd.Sources() {
					st, err := rd.Status(ctx, source)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s: %s\n", source, st)
				}
				return nil
			}

			if _, err := s.ensureContact(ctx); err != nil {
				return err
			}
			if err := refreshAll(ctx, s); err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			for _, payload := range rd.Payloads(args...) {
				if err := enc.Encode(payload); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print each source's cache status instead of payloads")
	return cmd
}

var errEventsClosed = errors.New("refresh events closed")

// refreshAll forces a refresh and waits for one outcome per enabled source.
func refreshAll(ctx context.Context, s *session) error {
	rd := s.sdk.RemoteData()
	events := rd.RefreshEvents()
	defer events.Unsubscribe()

	pending := map[remotedata.Source]bool{}
	for _, source := range enabledSources(s) {
		pending[source] = true
	}
	rd.Invalidate()

	var errs error
	for len(pending) > 0 {
		select {
		case event, ok := <-events.C():
			if !ok {
				return multierr.Append(errs, errEventsClosed)
			}
			if !pending[event.Source] {
				continue
			}
			delete(pending, event.Source)
			if event.Result == remotedata.Failed {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", event.Source, remotedata.ErrRefreshFailed))
			}
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		}
	}
	return errs
}

func enabledSources(s *session) []remotedata.Source {
	disabled := map[remotedata.Source]bool{}
	for _, name := range s.cfg.RemoteData.DisabledSources {
		disabled[remotedata.Source(name)] = true
	}
	var out []remotedata.Source
	for _, source := range s.sdk.RemoteData().Sources() {
		if !disabled[source] {
			out = append(out, source)
		}
	}
	return out
}
