package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultStaticLifetime applies to static tokens that carry no exp claim.
const DefaultStaticLifetime = time.Hour

var ErrEmptyToken = errors.New("auth: empty session token")

// Token is a session token and the moment it stops being accepted.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Fetcher obtains a fresh session token from whatever owns the credentials.
type Fetcher interface {
	Fetch(ctx context.Context) (Token, error)
}

type FetcherFunc func(ctx context.Context) (Token, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Token, error) {
	return f(ctx)
}

// StaticFetcher serves a fixed token. Its expiry comes from the JWT exp
// claim when the token is a JWT.
type StaticFetcher struct {
	Value string
	Now   func() time.Time
}

func (s StaticFetcher) Fetch(ctx context.Context) (Token, error) {
	value := strings.TrimSpace(s.Value)
	if value == "" {
		return Token{}, ErrEmptyToken
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	expiresAt, ok := ExpiryOf(value)
	if !ok {
		expiresAt = now().Add(DefaultStaticLifetime)
	}
	return Token{Value: value, ExpiresAt: expiresAt}, nil
}

// ExpiryOf decodes the exp claim without verifying the signature; the
// backend does the verifying.
func ExpiryOf(value string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CommandFetcher runs an external program that prints
// {"token": "...", "expiresAtEpochMs": 123} on stdout.
type CommandFetcher struct {
	Command string
	Args    []string
}

type commandOutput struct {
	Token            string  `json:"token"`
	ExpiresAtEpochMs float64 `json:"expiresAtEpochMs"`
}

func (c CommandFetcher) Fetch(ctx context.Context) (Token, error) {
	if strings.TrimSpace(c.Command) == "" {
		return Token{}, errors.New("auth: token command is empty")
	}
	command := exec.CommandContext(ctx, c.Command, c.Args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	output, err := command.Output()
	if err != nil {
		return Token{}, fmt.Errorf("token command %s: %w: %s", c.Command, err, strings.TrimSpace(stderr.String()))
	}
	var decoded commandOutput
	if err := json.Unmarshal(bytes.TrimSpace(output), &decoded); err != nil {
		return Token{}, fmt.Errorf("decode token command output: %w", err)
	}
	if strings.TrimSpace(decoded.Token) == "" {
		return Token{}, ErrEmptyToken
	}
	token := Token{Value: decoded.Token}
	if decoded.ExpiresAtEpochMs > 0 {
		token.ExpiresAt = time.UnixMilli(int64(decoded.ExpiresAtEpochMs))
	} else if expiresAt, ok := ExpiryOf(decoded.Token); ok {
		token.ExpiresAt = expiresAt
	}
	return token, nil
}
