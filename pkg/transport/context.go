package transport

import "context"

type ctxKey string

const providedTokenKey ctxKey = "iotcloud.providedToken"

// WithProvidedToken makes calls under ctx use token instead of the token cache.
// A 401 for a provided token is surfaced without a refresh.
func WithProvidedToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, providedTokenKey, token)
}

// ProvidedTokenFromCtx fetches the token set by WithProvidedToken.
func ProvidedTokenFromCtx(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(providedTokenKey).(string)
	return v, ok && v != ""
}
