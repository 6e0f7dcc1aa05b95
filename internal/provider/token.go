package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Token source names accepted by NewTokenProvider.
const (
	TokenSourceStatic = "static"
	TokenSourceFile   = "file"
)

// ErrUnknownTokenSource is returned by NewTokenProvider for an unknown source.
var ErrUnknownTokenSource = errors.New("unknown token provider")

// TokenProvider supplies the service token. It is invoked once per
// intercepted request; an empty token means no credentials header is sent.
type TokenProvider interface {
	ServiceToken(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

// ServiceToken implements TokenProvider.
func (f TokenProviderFunc) ServiceToken(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same token.
type StaticToken string

// ServiceToken implements TokenProvider.
func (s StaticToken) ServiceToken(context.Context) (string, error) { return string(s), nil }

// FileToken reads the token from a file on every call so that rotated
// secrets (e.g. a mounted Kubernetes Secret) take effect without a restart.
// Surrounding whitespace is trimmed.
type FileToken struct {
	Path string
}

// ServiceToken implements TokenProvider.
func (f FileToken) ServiceToken(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// NewTokenProvider resolves a token source by name. A blank source is
// treated as static.
func NewTokenProvider(source, token, path string) (TokenProvider, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", TokenSourceStatic:
		return StaticToken(token), nil
	case TokenSourceFile:
		if path == "" {
			return nil, fmt.Errorf("token provider %q requires a token file path", TokenSourceFile)
		}
		return FileToken{Path: path}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownTokenSource, source)
}
