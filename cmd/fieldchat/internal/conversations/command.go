package conversations

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal"
	"github.com/tinyland-inc/fieldchat/pkg/history"
	"github.com/tinyland-inc/fieldchat/pkg/model"
)

func NewConversationsCommand() *cobra.Command {
	var pages int
	var debug bool

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List, create and delete conversations",
		Args:    cobra.NoArgs,
		Example: `  fieldchat conversations
  fieldchat conversations --pages 3
  fieldchat conversations create --title "Leaf rust" --expert 12
  fieldchat conversations delete 42`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listCmd(cmd.Context(), pages, debug)
		},
	}

	cmd.Flags().IntVarP(&pages, "pages", "p", 1, "Number of pages to load")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	var title string
	var expertID int64
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Start a conversation with an expert",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := internal.NewClient(debug)
			if err != nil {
				return err
			}
			conv, err := client.CreateConversation(cmd.Context(), title, expertID)
			if err != nil {
				return err
			}
			fmt.Printf("Created conversation %d (%s)\n", conv.ID, conv.Title)
			return nil
		},
	}
	createCmd.Flags().StringVar(&title, "title", "", "Conversation title")
	createCmd.Flags().Int64Var(&expertID, "expert", 0, "Expert user id")
	_ = createCmd.MarkFlagRequired("title")

	deleteCmd := &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			client, _, err := internal.NewClient(debug)
			if err != nil {
				return err
			}
			if err := client.DeleteConversation(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Deleted conversation %d\n", id)
			return nil
		},
	}

	cmd.AddCommand(createCmd, deleteCmd)

	return cmd
}

func listCmd(ctx context.Context, pages int, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, _, err := internal.NewClient(debug)
	if err != nil {
		return err
	}

	items, more, err := loadPages(ctx, client.Conversations(), pages)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tLAST MESSAGE")
	for _, c := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\n", c.ID, c.Title, c.LastMessageSummary())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if more {
		fmt.Printf("\nMore conversations available; use --pages %d\n", pages+1)
	}
	return nil
}

// loadPages walks the source forward for up to n pages.
func loadPages(ctx context.Context, src *history.Source[model.Conversation], n int) ([]model.Conversation, bool, error) {
	var items []model.Conversation
	key := 0
	for i := 0; i < n; i++ {
		res := src.Load(ctx, history.LoadParams{Key: key})
		if res.Err != nil {
			return nil, false, res.Err
		}
		items = append(items, res.Items...)
		if res.NextKey == nil {
			return items, false, nil
		}
		key = *res.NextKey
	}
	return items, true, nil
}
