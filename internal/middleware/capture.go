package middleware

import "context"

type userCaptureKey struct{}

func withUserCapture(ctx context.Context, slot *string) context.Context {
	return context.WithValue(ctx, userCaptureKey{}, slot)
}

// recordUser hands the authenticated user id back to the request logger
func recordUser(ctx context.Context, userID string) {
	if slot, ok := ctx.Value(userCaptureKey{}).(*string); ok {
		*slot = userID
	}
}
