package main

import (
	"github.com/spf13/cobra"
)

func newIdentifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identify <named-user-id>",
		Short: "Associate this device with a named user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContact(cmd, opts, func(s *session) error {
				return s.sdk.Contact().Identify(args[0])
			})
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Switch this device to a new anonymous contact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContact(cmd, opts, func(s *session) error {
				return s.sdk.Contact().Reset()
			})
		},
	}
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve and print the current contact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContact(cmd, opts, nil)
		},
	}
}

// withContact resolves the contact, applies change, and prints the
// contact once it is stable again.
func withContact(cmd *cobra.Command, opts *rootOptions, change func(*session) error) error {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := s.context(cmd.Context())
	defer cancel()
	if _, err := s.ensureContact(ctx); err != nil {
		return err
	}
	if change != nil {
		if err := change(s); err != nil {
			return err
		}
		if err := s.drain(ctx); err != nil {
			return err
		}
	}
	info, err := s.sdk.Contact().StableContactIDInfo(ctx)
	if err != nil {
		return err
	}
	printContact(cmd.OutOrStdout(), info)
	return nil
}
