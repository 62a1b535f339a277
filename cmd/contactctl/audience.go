package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/contactsync/internal/audience"
)

func newTagsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Edit contact tag groups",
	}
	edit := func(use, short string, apply func(e *audience.TagGroupsEditor, group string, tags []string)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <group> <tag>...",
			Short: short,
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withContact(cmd, opts, func(s *session) error {
					editor := s.sdk.Contact().EditTagGroups()
					apply(editor, args[0], args[1:])
					return editor.Apply()
				})
			},
		}
	}
	cmd.AddCommand(
		edit("add", "Add tags to a group", func(e *audience.TagGroupsEditor, group string, tags []string) { e.Add(group, tags...) }),
		edit("remove", "Remove tags from a group", func(e *audience.TagGroupsEditor, group string, tags []string) { e.Remove(group, tags...) }),
		edit("set", "Replace the tags of a group", func(e *audience.TagGroupsEditor, group string, tags []string) { e.Set(group, tags...) }),
	)
	return cmd
}

func newAttributesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attributes",
		Short: "Edit contact attributes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set an attribute; numbers and booleans keep their type",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withContact(cmd, opts, func(s *session) error {
					editor := s.sdk.Contact().EditAttributes()
					setAttribute(editor, args[0], args[1])
					return editor.Apply()
				})
			},
		},
		&cobra.Command{
			Use:   "remove <key>",
			Short: "Remove an attribute",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withContact(cmd, opts, func(s *session) error {
					return s.sdk.Contact().EditAttributes().Remove(args[0]).Apply()
				})
			},
		},
	)
	return cmd
}

// setAttribute picks the narrowest type raw parses as.
func setAttribute(editor *audience.AttributesEditor, key, raw string) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		editor.SetInt(key, v)
		return
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		editor.SetNumber(key, v)
		return
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		editor.SetBool(key, v)
		return
	}
	editor.SetString(key, raw)
}

func newSubscriptionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Edit or list contact subscription lists",
	}
	edit := func(use, short string, subscribe bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <list-id> <scope>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				scope := audience.Scope(strings.ToLower(args[1]))
				if !scope.Valid() {
					return fmt.Errorf("unknown scope %q", args[1])
				}
				return withContact(cmd, opts, func(s *session) error {
					editor := s.sdk.Contact().EditSubscriptionLists()
					if subscribe {
						editor.Subscribe(args[0], scope)
					} else {
						editor.Unsubscribe(args[0], scope)
					}
					return editor.Apply()
				})
			},
		}
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the contact's subscription lists as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			lists, err := s.sdk.Contact().FetchSubscriptionLists(ctx)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(lists))
			for id := range lists {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, id := range ids {
				if err := enc.Encode(map[string]any{"list_id": id, "scopes": lists[id]}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.AddCommand(
		edit("subscribe", "Subscribe to a list in a scope", true),
		edit("unsubscribe", "Unsubscribe from a list in a scope", false),
		list,
	)
	return cmd
}
