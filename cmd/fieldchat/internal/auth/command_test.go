package auth

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/fieldchat/cmd/fieldchat/internal"
	"github.com/tinyland-inc/fieldchat/pkg/config"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	internal.ConfigPathOverride = path
	t.Cleanup(func() { internal.ConfigPathOverride = "" })
	return path
}

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	cmd := NewAuthCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestNewAuthCommand(t *testing.T) {
	cmd := NewAuthCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "auth", cmd.Use)
	assert.True(t, cmd.HasSubCommands())

	for _, name := range []string{"login", "logout", "status"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Use)
		assert.NotNil(t, sub.RunE)
	}
}

func TestLoginStatusLogout(t *testing.T) {
	path := useTempConfig(t)

	out := run(t, "", "status")
	assert.Contains(t, out, "Not logged in")

	out = run(t, "secret-token-1234\n", "login")
	assert.Contains(t, out, "Token saved to "+path)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token-1234", cfg.Chat.Token)

	out = run(t, "", "status")
	assert.Contains(t, out, "1234")
	assert.NotContains(t, out, "secret")

	out = run(t, "", "logout")
	assert.Contains(t, out, "Logged out")
	cfg, err = config.LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Chat.Token)
}

func TestLogin_EmptyInput(t *testing.T) {
	useTempConfig(t)

	cmd := NewAuthCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("\n"))
	cmd.SetArgs([]string{"login"})
	assert.Error(t, cmd.Execute())
}
