//go:build !linux

package identity

import (
	"errors"
	"net"
)

// ErrNoPeerCred is returned on platforms without SO_PEERCRED.
var ErrNoPeerCred = errors.New("peer credentials not supported on this platform")

// PeerCredentials is unavailable off linux; sessions must authenticate with
// a capability token.
func PeerCredentials(conn *net.UnixConn) (Cred, error) {
	return Cred{UID: -1, GID: -1}, ErrNoPeerCred
}
