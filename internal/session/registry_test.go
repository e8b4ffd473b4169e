package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/locai-labs/wagateway/internal/creds"
)

func TestStartValidatesTenantID(t *testing.T) {
	env := newTestEnv(t, 3)
	for _, id := range []string{"ab", "a/b/c", "..", "with/slash"} {
		if _, err := env.reg.Start(id); !errors.Is(err, creds.ErrTenantID) {
			t.Errorf("Start(%q) error = %v, want ErrTenantID", id, err)
		}
	}
}

func TestStartIdempotentWhileConnected(t *testing.T) {
	env := newTestEnv(t, 3)
	first, err := env.reg.Start("tenant-1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := env.waitConn(t, "tenant-1", nil)
	conn.EmitOpen("+5511999999999", "")
	env.waitStatus(t, "tenant-1", StatusConnected)

	again, err := env.reg.Start("tenant-1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if again.SessionID != first.SessionID {
		t.Fatalf("sessionId changed: %q -> %q", first.SessionID, again.SessionID)
	}
	if again.Status != StatusConnected {
		t.Fatalf("status = %q, want %q", again.Status, StatusConnected)
	}
	if n := env.fake.Connects("tenant-1"); n != 1 {
		t.Fatalf("connects = %d, want 1", n)
	}
}

func TestStartReplacesDisconnectedSession(t *testing.T) {
	env := newTestEnv(t, 3)
	first, _ := env.reg.Start("tenant-1")
	conn := env.waitConn(t, "tenant-1", nil)
	conn.EmitClose("device removed", true)
	env.waitStatus(t, "tenant-1", StatusDisconnected)

	// Distinct creation instant so the new manager gets a fresh id.
	env.clk.Advance(time.Second)
	second, err := env.reg.Start("tenant-1")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("sessionId not refreshed: %q", second.SessionID)
	}

	// Credentials were purged on logout, so the new connect pairs fresh.
	conn2 := env.waitConn(t, "tenant-1", conn)
	if len(conn2.Credentials) != 0 {
		t.Fatalf("connect credentials = %q, want none", conn2.Credentials)
	}
}

func TestAutoRegisterSinkOnCreation(t *testing.T) {
	env := newTestEnv(t, 3)
	var mu sync.Mutex
	var calls []string
	env.reg.opts.AutoRegisterSink = func(tenantID string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, tenantID)
	}

	env.reg.Start("tenant-1")
	env.reg.Start("tenant-1") // idempotent: connecting, not a new session
	conn := env.waitConn(t, "tenant-1", nil)
	conn.EmitClose("device removed", true)
	env.waitStatus(t, "tenant-1", StatusDisconnected)
	env.reg.Start("tenant-1") // replacement: a new session

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("auto-register calls = %v, want 2 for 2 created sessions", calls)
	}
}

func TestListAndCount(t *testing.T) {
	env := newTestEnv(t, 3)
	env.reg.Start("tenant-b")
	env.reg.Start("tenant-a")
	conn := env.waitConn(t, "tenant-a", nil)
	conn.EmitOpen("+5511999999999", "")
	env.waitStatus(t, "tenant-a", StatusConnected)

	list := env.reg.List()
	if len(list) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(list))
	}
	if list[0].TenantID != "tenant-a" || list[1].TenantID != "tenant-b" {
		t.Fatalf("List() order = %q, %q", list[0].TenantID, list[1].TenantID)
	}

	total, connected := env.reg.Count()
	if total != 2 || connected != 1 {
		t.Fatalf("Count() = (%d, %d), want (2, 1)", total, connected)
	}
}

func TestStopUnknownTenant(t *testing.T) {
	env := newTestEnv(t, 3)
	if err := env.reg.Stop(context.Background(), "tenant-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Stop() error = %v, want ErrSessionNotFound", err)
	}
	if err := env.reg.Logout(context.Background(), "tenant-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Logout() error = %v, want ErrSessionNotFound", err)
	}
}

func TestRestart(t *testing.T) {
	env := newTestEnv(t, 3)
	first, _ := env.reg.Start("tenant-1")
	conn := env.waitConn(t, "tenant-1", nil)
	conn.EmitOpen("+5511999999999", "")
	conn.EmitCredentials([]byte("bundle"))
	env.waitStatus(t, "tenant-1", StatusConnected)
	waitUntil(t, "credentials saved", func() bool { return env.creds.Exists("tenant-1") })

	env.clk.Advance(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	second, err := env.reg.Restart(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("Restart() kept the old session id")
	}
	if !conn.Closed() {
		t.Fatal("old connection still open")
	}

	// Credentials survive a restart and are offered on the new connect.
	conn2 := env.waitConn(t, "tenant-1", conn)
	if string(conn2.Credentials) != "bundle" {
		t.Fatalf("connect credentials = %q, want bundle", conn2.Credentials)
	}

	var sawSettle bool
	for _, d := range env.clk.afterCalls() {
		if d == restartDelay {
			sawSettle = true
		}
	}
	if !sawSettle {
		t.Fatalf("afterCalls = %v, missing %v settle delay", env.clk.afterCalls(), restartDelay)
	}
}

func TestShutdownAll(t *testing.T) {
	env := newTestEnv(t, 3)
	env.reg.Start("tenant-1")
	env.reg.Start("tenant-2")
	conn1 := env.waitConn(t, "tenant-1", nil)
	conn2 := env.waitConn(t, "tenant-2", nil)
	conn1.EmitOpen("+5511999999999", "")
	conn2.EmitOpen("+5511888888888", "")
	env.waitStatus(t, "tenant-1", StatusConnected)
	env.waitStatus(t, "tenant-2", StatusConnected)

	if err := env.reg.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("ShutdownAll() error = %v", err)
	}

	for _, tenant := range []string{"tenant-1", "tenant-2"} {
		if got := env.status(tenant); got != StatusDisconnected {
			t.Fatalf("%s status = %q, want %q", tenant, got, StatusDisconnected)
		}
	}
	if conn1.LoggedOut() || conn2.LoggedOut() {
		t.Fatal("ShutdownAll logged out of the upstream")
	}
}

func TestSweepIdle(t *testing.T) {
	env := newTestEnv(t, 3)
	env.reg.Start("tenant-idle")
	conn := env.waitConn(t, "tenant-idle", nil)
	conn.EmitClose("device removed", true)
	env.waitStatus(t, "tenant-idle", StatusDisconnected)

	env.reg.Start("tenant-live")
	conn2 := env.waitConn(t, "tenant-live", nil)
	conn2.EmitOpen("+5511999999999", "")
	env.waitStatus(t, "tenant-live", StatusConnected)

	env.clk.Advance(idleAfter + time.Minute)
	if n := env.reg.SweepIdle(); n != 1 {
		t.Fatalf("SweepIdle() = %d, want 1", n)
	}
	if _, ok := env.reg.Get("tenant-idle"); ok {
		t.Fatal("idle session survived sweep")
	}
	if _, ok := env.reg.Get("tenant-live"); !ok {
		t.Fatal("connected session removed by sweep")
	}
}

func TestCurrentArtifact(t *testing.T) {
	env := newTestEnv(t, 3)
	if _, ok := env.reg.CurrentArtifact("tenant-1"); ok {
		t.Fatal("CurrentArtifact() ok for unknown tenant")
	}

	env.reg.Start("tenant-1")
	conn := env.waitConn(t, "tenant-1", nil)
	if _, ok := env.reg.CurrentArtifact("tenant-1"); ok {
		t.Fatal("CurrentArtifact() ok before pairing")
	}

	conn.EmitPairing([]byte("pair-1"))
	env.waitStatus(t, "tenant-1", StatusQR)
	art, ok := env.reg.CurrentArtifact("tenant-1")
	if !ok || string(art) != "pair-1" {
		t.Fatalf("CurrentArtifact() = %q, %v, want pair-1, true", art, ok)
	}
}
