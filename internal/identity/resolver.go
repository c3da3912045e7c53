// Package identity establishes the principal behind a connection from
// kernel peer credentials and an optional capability token.
package identity

import (
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/ppiankov/kalpana/internal/model"
)

// Cred is what the kernel reports about a connected peer.
type Cred struct {
	UID int
	GID int
	PID int
}

// Resolver turns peer credentials plus a hello into an Identity.
type Resolver struct {
	Secret       []byte
	RequireToken bool
	// LookupUser maps a uid to a username. Defaults to os/user.
	LookupUser func(uid int) (string, error)
	Now        func() time.Time
}

// NewResolver returns a Resolver using the system user database.
func NewResolver(secret []byte, requireToken bool) *Resolver {
	return &Resolver{
		Secret:       secret,
		RequireToken: requireToken,
		LookupUser:   LookupUsername,
		Now:          time.Now,
	}
}

// Resolve builds the session identity. Without a token the principal is the
// peer's username and carries no capabilities. A token names the principal
// and its capabilities; a bad token is an error, never a silent downgrade.
func (r *Resolver) Resolve(cred Cred, client, token string) (model.Identity, error) {
	id := model.Identity{
		UID:    cred.UID,
		GID:    cred.GID,
		PID:    cred.PID,
		Client: client,
	}

	if token == "" {
		if r.RequireToken {
			return model.Identity{}, model.Errorf(model.ErrProtocolViolation, "capability token required")
		}
		if cred.UID < 0 {
			return model.Identity{}, model.Errorf(model.ErrProtocolViolation, "peer credentials unavailable")
		}
		name, err := r.lookup(cred.UID)
		if err != nil {
			return model.Identity{}, model.Wrap(model.ErrProtocolViolation, err, "resolve peer user")
		}
		id.Principal = name
		id.Authenticated = true
		return id, nil
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	claims, err := VerifyToken(r.Secret, token, now())
	if err != nil {
		return model.Identity{}, model.Wrap(model.ErrProtocolViolation, err, "verify token")
	}
	id.Principal = claims.Subject
	id.Capabilities = claims.Capabilities
	id.Authenticated = true
	return id, nil
}

func (r *Resolver) lookup(uid int) (string, error) {
	if r.LookupUser != nil {
		return r.LookupUser(uid)
	}
	return LookupUsername(uid)
}

// LookupUsername maps a uid to its login name.
func LookupUsername(uid int) (string, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return "", fmt.Errorf("lookup uid %d: %w", uid, err)
	}
	return u.Username, nil
}
