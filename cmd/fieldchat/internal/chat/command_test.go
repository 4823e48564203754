package chat

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/fieldchat/pkg/model"
)

func TestNewChatCommand(t *testing.T) {
	cmd := NewChatCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "chat <conversation-id>", cmd.Use)
	assert.Equal(t, "Open a conversation and chat interactively", cmd.Short)

	assert.True(t, cmd.HasExample())
	assert.False(t, cmd.HasSubCommands())

	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)

	assert.NotNil(t, cmd.Flags().Lookup("debug"))
	assert.Error(t, cmd.Args(cmd, nil))
	assert.NoError(t, cmd.Args(cmd, []string{"42"}))
}

func TestChatCommand_RejectsBadID(t *testing.T) {
	cmd := NewChatCommand()
	cmd.SetArgs([]string{"abc"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid conversation id")
}

func TestPrinter_PrintsEachMessageOnce(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, 9)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	p.show([]model.Message{{ID: 1, SenderID: 9, Text: "mine", Timestamp: ts}})
	p.show([]model.Message{
		{ID: 1, SenderID: 9, Text: "mine", Timestamp: ts},
		{ID: 2, SenderID: 4, Text: "theirs", Timestamp: ts},
	})

	out := buf.String()
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("mine")))
	assert.Contains(t, out, "you")
	assert.Contains(t, out, "#4")
	assert.Contains(t, out, "theirs")
}
