package module

import (
	"errors"
	"testing"

	"github.com/tenzoki/gobroker/internal/channel"
	"github.com/tenzoki/gobroker/internal/config"
	"github.com/tenzoki/gobroker/internal/envelope"
)

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	ch := channel.New(4)
	conf := &config.HostConfig{}
	cred := envelope.Credential{UserID: "broker", RoleMask: envelope.RoleOwner | envelope.RoleLocal}
	return newRecord("mod", "./mod.so", "module-uuid", "parent-uuid", 0, nil, conf, nil, nil, ch, cred)
}

func TestRewriteReceiveResponsePopsRoute(t *testing.T) {
	r := newTestRecord(t)
	msg, _ := envelope.New(envelope.Response, "t", nil)
	msg.Route = []string{"a", "b", "module-uuid"}

	out, err := rewriteReceive(r, msg)
	if err != nil {
		t.Fatalf("rewriteReceive: %v", err)
	}
	want := []string{"a", "b"}
	if len(out.Route) != len(want) || out.Route[0] != want[0] || out.Route[1] != want[1] {
		t.Fatalf("Route = %v, want %v", out.Route, want)
	}
}

func TestRewriteReceiveRequestPushesModuleUUID(t *testing.T) {
	r := newTestRecord(t)
	msg, _ := envelope.New(envelope.Request, "t", nil)
	msg.Route = []string{"a"}

	out, err := rewriteReceive(r, msg)
	if err != nil {
		t.Fatalf("rewriteReceive: %v", err)
	}
	if out.TopRoute() != "module-uuid" {
		t.Fatalf("TopRoute() = %q, want module-uuid", out.TopRoute())
	}
}

func TestRewriteReceiveResponseUnderflow(t *testing.T) {
	r := newTestRecord(t)
	msg, _ := envelope.New(envelope.Response, "t", nil)

	if _, err := rewriteReceive(r, msg); err == nil {
		t.Fatalf("expected route underflow error on empty-route RESPONSE")
	}
}

func TestRewriteReceiveAlwaysAssertsOwnerBit(t *testing.T) {
	r := newTestRecord(t)
	msg, _ := envelope.New(envelope.Event, "t", nil)
	msg.Cred = envelope.Credential{UserID: "someone-else", RoleMask: envelope.RoleLocal}

	out, err := rewriteReceive(r, msg)
	if err != nil {
		t.Fatalf("rewriteReceive: %v", err)
	}
	if !out.Cred.RoleMask.Has(envelope.RoleOwner) {
		t.Fatalf("post-rewrite credential missing OWNER bit: %v", out.Cred)
	}
	if out.Cred.UserID != "someone-else" {
		t.Fatalf("an already-set userid must not be overwritten, got %q", out.Cred.UserID)
	}
}

func TestRewriteReceiveNormalizesUnknownCredential(t *testing.T) {
	r := newTestRecord(t)
	msg, _ := envelope.New(envelope.Event, "t", nil)
	// zero-value credential: unknown userid, empty rolemask

	out, err := rewriteReceive(r, msg)
	if err != nil {
		t.Fatalf("rewriteReceive: %v", err)
	}
	if out.Cred.UserID != "broker" {
		t.Fatalf("UserID = %q, want broker (substituted)", out.Cred.UserID)
	}
	if !out.Cred.RoleMask.Has(envelope.RoleOwner) || !out.Cred.RoleMask.Has(envelope.RoleLocal) {
		t.Fatalf("RoleMask = %v, want OWNER|LOCAL substituted", out.Cred.RoleMask)
	}
}

func TestRewriteSendRequestPushesParentUUID(t *testing.T) {
	r := newTestRecord(t)
	msg, _ := envelope.New(envelope.Request, "t", nil)

	out, err := rewriteSend(r, msg)
	if err != nil {
		t.Fatalf("rewriteSend: %v", err)
	}
	if out.TopRoute() != "parent-uuid" {
		t.Fatalf("TopRoute() = %q, want parent-uuid", out.TopRoute())
	}
}

func TestRewriteSendResponsePopsOneHop(t *testing.T) {
	r := newTestRecord(t)
	msg, _ := envelope.New(envelope.Response, "t", nil)
	msg.Route = []string{"a", "b", "c"}

	out, err := rewriteSend(r, msg)
	if err != nil {
		t.Fatalf("rewriteSend: %v", err)
	}
	if len(out.Route) != len(msg.Route)-1 {
		t.Fatalf("post-rewrite route length = %d, want %d", len(out.Route), len(msg.Route)-1)
	}
}

func TestRewriteSendMutedRejectsNonStatusTraffic(t *testing.T) {
	r := newTestRecord(t)
	r.Mute(true)

	msg, _ := envelope.New(envelope.Event, "job.x", nil)
	_, err := rewriteSend(r, msg)
	if !errors.Is(err, ErrMuted) || !errors.Is(err, ErrUnsupportedOp) {
		t.Fatalf("rewriteSend while muted = %v, want ErrMuted and ErrUnsupportedOp", err)
	}
}

func TestRewriteSendMutedAllowsStatusResponse(t *testing.T) {
	r := newTestRecord(t)
	r.Mute(true)

	msg, _ := envelope.New(envelope.Response, statusReportTopic, nil)
	msg.Route = []string{"a"}
	if _, err := rewriteSend(r, msg); err != nil {
		t.Fatalf("rewriteSend status-topic RESPONSE while muted: %v", err)
	}
}
