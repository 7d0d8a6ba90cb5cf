package auth

import (
	"context"
	"strings"
)

type ctxKey string

const subjectKey ctxKey = "auth_subject"

// ContextWithSubject stores the authenticated identity in the context.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, strings.TrimSpace(subject))
}

// SubjectFromContext extracts the authenticated identity from context.
func SubjectFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
