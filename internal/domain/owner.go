package domain

import (
	"context"
	"strings"
)

type ownerKey struct{}

// WithOwner scopes ctx to a requesting user. Jobs created under it are owned
// by that user, and reads, writes and listings only reach that user's jobs.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

type serviceKey struct{}

// AsService marks ctx as a trusted backend caller, such as the pipeline
// worker or the change listener, that may read and write every job
// regardless of owner.
func AsService(ctx context.Context) context.Context {
	return context.WithValue(ctx, serviceKey{}, true)
}

func IsService(ctx context.Context) bool {
	service, _ := ctx.Value(serviceKey{}).(bool)
	return service
}
