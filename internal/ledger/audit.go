package ledger

import "context"

type contextKey string

const ctxActor contextKey = "ledger_actor"

// Role of whoever triggered a ledger write.
type Role string

const (
	RoleGuest   Role = "guest"
	RoleRealtor Role = "realtor"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Actor identifies who caused an escrow event.
type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id,omitempty"`
}

// SystemActor is used by scheduled jobs.
var SystemActor = Actor{Role: RoleSystem}

func (a Actor) String() string {
	if a.Role == "" {
		return string(RoleSystem)
	}
	if a.ID == "" {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.ID
}

// WithActor attaches the acting identity to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxActor, a)
}

// ActorFromContext returns the acting identity, defaulting to system.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(ctxActor).(Actor); ok {
		return a
	}
	return SystemActor
}

// RequestActor returns the identity attached by the HTTP layer, if any.
// Unlike ActorFromContext it does not fall back to the system actor.
func RequestActor(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxActor).(Actor)
	return a, ok
}

// CanView reports whether a is allowed to read the booking's ledger.
func (a Actor) CanView(b *Booking) bool {
	return a.Role == RoleAdmin || b.IsParticipant(a.ID)
}
