package auth

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginPasteToken(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "abc123\n", "abc123", false},
		{"trimmed", "  abc123  \n", "abc123", false},
		{"bearer prefix", "Bearer abc123\n", "abc123", false},
		{"empty line", "\n", "", true},
		{"no input", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cred, err := LoginPasteToken(&out, strings.NewReader(tt.input))
			assert.Contains(t, out.String(), "Paste your chat access token")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cred.AccessToken)
			assert.Equal(t, "token", cred.AuthMethod)
		})
	}
}

func TestTokenSource(t *testing.T) {
	assert.Nil(t, TokenSource(""))

	ts := TokenSource("abc")
	require.NotNil(t, ts)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "***", Mask("abc"))
	assert.Equal(t, "*****6789", Mask("123456789"))
}
