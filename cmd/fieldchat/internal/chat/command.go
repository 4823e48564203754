package chat

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func NewChatCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Open a conversation and chat interactively",
		Args:  cobra.ExactArgs(1),
		Example: `  fieldchat chat 42
  fieldchat chat 42 --debug`,
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			return chatCmd(id, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
