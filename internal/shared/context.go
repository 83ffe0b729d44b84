package shared

import (
	"context"
	"net/http"
	"strconv"
)

// ActorHeader carries the caller identity used for audit attribution.
const ActorHeader = "X-Actor-ID"

type actorContextKey struct{}

// ContextWithActor stores the actor id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the actor id, zero when anonymous.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}

// ActorMiddleware copies the X-Actor-ID header into the request context.
// Malformed values are treated as anonymous; the id is never used for authorization.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ActorHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), id)))
	})
}
