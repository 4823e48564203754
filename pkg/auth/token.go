package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
)

// Credential is a bearer token issued by the chat backend's login flow.
type Credential struct {
	AccessToken string `json:"access_token"`
	AuthMethod  string `json:"auth_method"`
}

// LoginPasteToken reads a token pasted on r. A leading "Bearer " is dropped.
func LoginPasteToken(w io.Writer, r io.Reader) (*Credential, error) {
	fmt.Fprintln(w, "Paste your chat access token:")
	fmt.Fprint(w, "> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		return nil, errors.New("no input received")
	}

	token := strings.TrimSpace(scanner.Text())
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return nil, errors.New("token cannot be empty")
	}

	return &Credential{
		AccessToken: token,
		AuthMethod:  "token",
	}, nil
}

// TokenSource returns a static bearer token source, or nil for an empty token.
func TokenSource(token string) oauth2.TokenSource {
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	})
}

// Mask hides all but the last four characters of a token.
func Mask(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
