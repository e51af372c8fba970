package store

import "context"

type credentialsKey struct{}

type credentials struct {
	username string
	password string
}

// WithRequestCredentials attaches basic-auth credentials that override the
// client's configured ones for calls made with ctx.
func WithRequestCredentials(ctx context.Context, username, password string) context.Context {
	return context.WithValue(ctx, credentialsKey{}, credentials{username: username, password: password})
}

// RequestCredentialsFromContext returns the credentials attached by
// WithRequestCredentials.
func RequestCredentialsFromContext(ctx context.Context) (username, password string, ok bool) {
	creds, ok := ctx.Value(credentialsKey{}).(credentials)
	if !ok || creds.username == "" {
		return "", "", false
	}
	return creds.username, creds.password, true
}
