package auth

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal"
	"github.com/tinyland-inc/fieldchat/pkg/auth"
	"github.com/tinyland-inc/fieldchat/pkg/config"
)

func NewAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the chat access token",
	}

	cmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newStatusCommand(),
	)

	return cmd
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store an access token pasted from the web app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cred, err := auth.LoginPasteToken(cmd.OutOrStdout(), cmd.InOrStdin())
			if err != nil {
				return err
			}
			return updateToken(cred.AccessToken, func(path string) {
				fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
			})
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return updateToken("", func(string) {
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a token is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			out := cmd.OutOrStdout()
			if cfg.Chat.Token == "" {
				fmt.Fprintln(out, "Not logged in")
				return nil
			}
			fmt.Fprintf(out, "Token: %s\n", auth.Mask(cfg.Chat.Token))
			if cfg.Chat.UserID != 0 {
				fmt.Fprintf(out, "User:  %d\n", cfg.Chat.UserID)
			}
			if os.Getenv("FIELDCHAT_CHAT_TOKEN") != "" {
				fmt.Fprintln(out, "(from FIELDCHAT_CHAT_TOKEN)")
			}
			return nil
		},
	}
}

// updateToken rewrites only the token in the config file; environment
// overrides are not persisted.
func updateToken(token string, done func(path string)) error {
	path := internal.GetConfigPath()
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	cfg.Chat.Token = token
	if err := config.SaveConfig(path, cfg); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}
	done(path)
	return nil
}
