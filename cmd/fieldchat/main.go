package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal"
	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal/auth"
	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal/chat"
	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal/conversations"
	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal/messages"
	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal/version"
)

func NewFieldchatCommand() *cobra.Command {
	short := fmt.Sprintf("%s fieldchat - expert chat client v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "fieldchat",
		Short:        short,
		Example:      "fieldchat chat 42",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&internal.ConfigPathOverride, "config", "",
		"Config file path (default: ~/.fieldchat/config.yaml or config.json)")

	cmd.AddCommand(
		chat.NewChatCommand(),
		conversations.NewConversationsCommand(),
		messages.NewMessagesCommand(),
		auth.NewAuthCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewFieldchatCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
