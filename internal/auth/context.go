package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxOperator ctxKey = iota

// WithOperator marks ctx as carrying an authenticated operator request.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxOperator, name)
}

func Operator(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxOperator).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("operator not in context")
}
