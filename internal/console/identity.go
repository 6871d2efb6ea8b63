package console

import "context"

// Identity is the authenticated principal reported by the identity provider.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// IdentityEvent is one push from the identity provider. A nil Identity means
// the visitor is signed out (or the session expired).
type IdentityEvent struct {
	Identity *Identity
}

// IdentitySource is the external identity provider as seen by the session
// provider. Subscribe delivers the initial resolution followed by every later
// change; the returned cancel func stops delivery and closes the channel.
type IdentitySource interface {
	Subscribe(ctx context.Context) (<-chan IdentityEvent, func())
	SignOut(ctx context.Context) error
}
