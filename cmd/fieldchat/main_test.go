package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFieldchatCommand(t *testing.T) {
	cmd := NewFieldchatCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "fieldchat", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	for _, name := range []string{"chat", "conversations", "conv", "messages", "msg", "auth", "version", "v"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.NotEqual(t, cmd, sub, name)
	}
}
