package server

import (
	"context"
	"net"

	"google.golang.org/grpc/credentials"

	"github.com/ppiankov/kalpana/internal/identity"
)

// PeerAuthInfo carries the kernel credentials of an operator connection.
type PeerAuthInfo struct {
	credentials.CommonAuthInfo
	Cred identity.Cred
}

// AuthType implements credentials.AuthInfo.
func (PeerAuthInfo) AuthType() string { return "unix-peercred" }

// peerCredentials is a transport credential for Unix sockets that performs
// no handshake and records SO_PEERCRED for each accepted connection.
type peerCredentials struct {
	lookup func(*net.UnixConn) (identity.Cred, error)
}

func newPeerCredentials() credentials.TransportCredentials {
	return &peerCredentials{lookup: identity.PeerCredentials}
}

func (c *peerCredentials) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, PeerAuthInfo{
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity},
		Cred:           identity.Cred{UID: -1, GID: -1},
	}, nil
}

func (c *peerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	cred := identity.Cred{UID: -1, GID: -1}
	if uc, ok := conn.(*net.UnixConn); ok {
		if got, err := c.lookup(uc); err == nil {
			cred = got
		}
	}
	return conn, PeerAuthInfo{
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity},
		Cred:           cred,
	}, nil
}

func (c *peerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "unix-peercred"}
}

func (c *peerCredentials) Clone() credentials.TransportCredentials {
	return &peerCredentials{lookup: c.lookup}
}

func (c *peerCredentials) OverrideServerName(string) error { return nil }
