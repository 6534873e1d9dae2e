package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/hiyori/internal/app"
	"github.com/MrWong99/hiyori/internal/conversation"
	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/types"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, closeStore, err := openConversation(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		st := store.State()
		out := cmd.OutOrStdout()
		if len(st.Sessions) == 0 {
			fmt.Fprintln(out, "No conversations stored.")
			return nil
		}
		fmt.Fprintf(out, "%s %s\n\n", titleStyle.Render("Conversations"), countStyle.Render(fmt.Sprintf("(%d)", len(st.Sessions))))
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, s := range st.Sessions {
			marker := " "
			if s.ID == st.ActiveSessionID {
				marker = "*"
			}
			fmt.Fprintf(tw, "%s %s\t%s\t%s\t%s\n",
				marker,
				idStyle.Render(s.ID),
				labelStyle.Render(s.Title),
				countStyle.Render(fmt.Sprintf("%d msgs", len(s.Messages))),
				dateStyle.Render(s.UpdatedAt.Local().Format("2006-01-02 15:04")),
			)
		}
		return tw.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openConversation(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		s, ok := store.Session(args[0])
		if !ok {
			return fmt.Errorf("session %q: %w", args[0], conversation.ErrNotFound)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n\n", titleStyle.Render(s.Title), idStyle.Render(s.ID))
		for _, m := range s.Messages {
			who := userStyle.Render("你")
			if m.Role == types.RoleAssistant {
				who = assistantStyle.Render("日和")
			}
			fmt.Fprintf(out, "%s %s\n%s\n\n", who, dateStyle.Render(m.CreatedAt.Local().Format("15:04:05")), m.Content)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openConversation(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		if !store.DeleteSession(args[0]) {
			return fmt.Errorf("session %q: %w", args[0], conversation.ErrNotFound)
		}
		if err := store.Flush(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", idStyle.Render(args[0]))
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
}

// openConversation loads the persisted conversation without starting the
// service. The returned func flushes and closes the storage.
func openConversation(cmd *cobra.Command) (*conversation.Store, func(), error) {
	ctx := cmd.Context()
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	backend, err := app.OpenStateStore(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	if backend == nil {
		return nil, nil, errors.New("storage.backend is memory; nothing is persisted")
	}

	store := conversation.New(conversation.WithPersister(backend), conversation.WithKey(memory.DefaultKey))
	closeAll := func() {
		_ = store.Close(ctx)
		_ = backend.Close()
	}
	if err := store.Load(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}
	return store, closeAll, nil
}
