package messages

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal"
	"github.com/tinyland-inc/fieldchat/pkg/history"
	"github.com/tinyland-inc/fieldchat/pkg/reconcile"
)

func NewMessagesCommand() *cobra.Command {
	var pages int
	var debug bool

	cmd := &cobra.Command{
		Use:     "messages <conversation-id>",
		Aliases: []string{"msg"},
		Short:   "Show a conversation's message history",
		Args:    cobra.ExactArgs(1),
		Example: `  fieldchat messages 42
  fieldchat messages 42 --pages 5
  fieldchat messages delete 1001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			return listCmd(cmd.Context(), id, pages, debug)
		},
	}

	cmd.Flags().IntVarP(&pages, "pages", "p", 1, "Number of pages to load")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	deleteCmd := &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[0])
			}
			client, _, err := internal.NewClient(debug)
			if err != nil {
				return err
			}
			if err := client.DeleteMessage(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Deleted message %d\n", id)
			return nil
		},
	}
	cmd.AddCommand(deleteCmd)

	return cmd
}

func listCmd(ctx context.Context, conversationID int64, pages int, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, _, err := internal.NewClient(debug)
	if err != nil {
		return err
	}

	src := client.Messages(conversationID)
	view := reconcile.NewView()
	defer view.Close()

	more := true
	key := 0
	for i := 0; i < pages && more; i++ {
		res := src.Load(ctx, history.LoadParams{Key: key})
		if res.Err != nil {
			return res.Err
		}
		view.MergePage(res.Items)
		more = res.NextKey != nil
		if more {
			key = *res.NextKey
		}
	}

	if view.Len() == 0 {
		fmt.Println("No messages.")
		return nil
	}
	if more {
		fmt.Printf("(older messages available; use --pages %d)\n", pages+1)
	}
	for _, m := range view.Messages() {
		fmt.Println(internal.FormatMessage(m, client.UserID()))
	}
	return nil
}
