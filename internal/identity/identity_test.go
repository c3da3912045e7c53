package identity

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ppiankov/kalpana/internal/model"
)

var testSecret = []byte("test-secret-0123456789abcdef")

func newTestResolver(t *testing.T, requireToken bool) *Resolver {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Resolver{
		Secret:       testSecret,
		RequireToken: requireToken,
		LookupUser: func(uid int) (string, error) {
			switch uid {
			case 1000:
				return "guest", nil
			case 0:
				return "root", nil
			}
			return "", errors.New("no such user")
		},
		Now: func() time.Time { return now },
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	now := time.Now()
	tok, err := IssueToken(testSecret, "admin", []string{"network"}, time.Hour, now)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := VerifyToken(testSecret, tok, now)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != "admin" {
		t.Errorf("expected subject admin, got %q", claims.Subject)
	}
	if len(claims.Capabilities) != 1 || claims.Capabilities[0] != "network" {
		t.Errorf("expected caps [network], got %v", claims.Capabilities)
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	now := time.Now()
	tok, _ := IssueToken(testSecret, "admin", nil, time.Minute, now)
	if _, err := VerifyToken(testSecret, tok, now.Add(2*time.Minute)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	now := time.Now()
	tok, _ := IssueToken(testSecret, "admin", nil, 0, now)
	if _, err := VerifyToken([]byte("other-secret"), tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssueTokenNoSecret(t *testing.T) {
	if _, err := IssueToken(nil, "admin", nil, 0, time.Now()); !errors.Is(err, ErrNoSecret) {
		t.Errorf("expected ErrNoSecret, got %v", err)
	}
}

func TestResolvePeerUser(t *testing.T) {
	r := newTestResolver(t, false)
	id, err := r.Resolve(Cred{UID: 1000, GID: 1000, PID: 42}, "kalpana-shell", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.Principal != "guest" || id.PID != 42 || id.Client != "kalpana-shell" {
		t.Errorf("unexpected identity: %+v", id)
	}
	if len(id.Capabilities) != 0 {
		t.Errorf("expected no capabilities, got %v", id.Capabilities)
	}
}

func TestResolveTokenOverridesPrincipal(t *testing.T) {
	r := newTestResolver(t, false)
	tok, _ := IssueToken(testSecret, "admin", []string{"network", "services"}, time.Hour, r.Now())
	id, err := r.Resolve(Cred{UID: 1000}, "kalpana-ui", tok)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.Principal != "admin" || !id.HasCapability("services") {
		t.Errorf("unexpected identity: %+v", id)
	}
	if id.UID != 1000 {
		t.Errorf("expected peer uid retained, got %d", id.UID)
	}
}

func TestResolveBadTokenIsViolation(t *testing.T) {
	r := newTestResolver(t, false)
	_, err := r.Resolve(Cred{UID: 1000}, "", "not-a-jwt")
	if !model.IsKind(err, model.ErrProtocolViolation) {
		t.Errorf("expected protocol_violation, got %v", err)
	}
}

func TestResolveRequireToken(t *testing.T) {
	r := newTestResolver(t, true)
	_, err := r.Resolve(Cred{UID: 1000}, "", "")
	if !model.IsKind(err, model.ErrProtocolViolation) {
		t.Errorf("expected protocol_violation, got %v", err)
	}
}

func TestResolveUnknownUID(t *testing.T) {
	r := newTestResolver(t, false)
	if _, err := r.Resolve(Cred{UID: 4242}, "", ""); err == nil {
		t.Fatal("expected unknown uid to fail")
	}
	if _, err := r.Resolve(Cred{UID: -1}, "", ""); err == nil {
		t.Fatal("expected missing peer credentials to fail")
	}
}

func TestPeerCredentialsSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_PEERCRED is linux only")
	}
	path := filepath.Join(t.TempDir(), "p.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := net.Dial("unix", path)
		if err == nil {
			defer c.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	conn, err := ln.AcceptUnix()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	cred, err := PeerCredentials(conn)
	if err != nil {
		t.Fatalf("PeerCredentials: %v", err)
	}
	if cred.UID != os.Getuid() || cred.PID != os.Getpid() {
		t.Errorf("expected uid %d pid %d, got %+v", os.Getuid(), os.Getpid(), cred)
	}
}
