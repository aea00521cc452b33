package gateway

import "testing"

func TestRouterUniqueOwnership(t *testing.T) {
	r := NewMethodRouter()

	if err := r.Claim("c1", []string{"echo.ping", "echo.pong"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Re-declaring on the same connection is fine.
	if err := r.Claim("c1", []string{"echo.ping"}); err != nil {
		t.Fatalf("re-claim same conn: %v", err)
	}

	// A different connection claiming an owned method is a conflict, and the
	// conflict must not partially apply the claim.
	if err := r.Claim("c2", []string{"other.m", "echo.ping"}); err == nil {
		t.Fatal("expected conflict error")
	}
	if _, ok := r.Resolve("other.m"); ok {
		t.Error("conflicting claim partially applied")
	}

	owner, ok := r.Resolve("echo.ping")
	if !ok || owner != "c1" {
		t.Errorf("Resolve(echo.ping) = %q, %v", owner, ok)
	}

	r.RemoveOwner("c1")
	if _, ok := r.Resolve("echo.ping"); ok {
		t.Error("method still routable after owner removed")
	}
	if _, ok := r.Resolve("echo.pong"); ok {
		t.Error("method still routable after owner removed")
	}

	// Freed methods are claimable again.
	if err := r.Claim("c2", []string{"echo.ping"}); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestRegistryLastWriterWins(t *testing.T) {
	r := NewRegistry()

	displaced := r.Register("c1", regFor("sessions"))
	if displaced != "" {
		t.Errorf("first register displaced %q", displaced)
	}

	displaced = r.Register("c2", regFor("sessions"))
	if displaced != "c1" {
		t.Errorf("displaced = %q, want c1", displaced)
	}
	if got := r.ServiceForConn("c2"); got != "sessions" {
		t.Errorf("ServiceForConn(c2) = %q", got)
	}
	if got := r.ServiceForConn("c1"); got != "" {
		t.Errorf("displaced conn still mapped to %q", got)
	}

	// Unregistering the displaced conn must not remove the live entry.
	r.UnregisterConn("c1")
	if got := r.ServiceForConn("c2"); got != "sessions" {
		t.Errorf("live registration lost: %q", got)
	}

	if got := r.UnregisterConn("c2"); got != "sessions" {
		t.Errorf("UnregisterConn = %q", got)
	}
	if len(r.Services()) != 0 {
		t.Errorf("services remain: %v", r.Services())
	}
}
