package module

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tenzoki/gobroker/internal/config"
	"github.com/tenzoki/gobroker/internal/envelope"
	"github.com/tenzoki/gobroker/internal/faketest"
	"github.com/tenzoki/gobroker/internal/lifecycle"
)

func testConfig() *config.HostConfig {
	return &config.HostConfig{
		Channel: config.ChannelConfig{
			ToModuleCapacity:         8,
			CloseLingerSeconds:       1,
			FinalizingTimeoutSeconds: 2,
		},
		ProcessUserID:   "broker",
		ProcessRoleMask: envelope.RoleOwner | envelope.RoleLocal,
	}
}

// simulateBroker runs a minimal broker-reactor stand-in: it drains every
// message the module goroutine sends and acknowledges the synchronous
// FINALIZING status report, the behavior an embedding broker's own
// reactor is responsible for (out of scope for this host).
// It stops once it observes an EXITED status report or ctx is done.
func simulateBroker(ctx context.Context, h *Host, r *Record) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, ok, err := h.Receive(r)
		if err != nil || !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if msg.Topic == statusReportTopic {
			var payload statusReportPayload
			_ = msg.UnmarshalPayload(&payload)
			if msg.CorrelationID == "" {
				// sync request: ack it
				ack, _ := msg.Reply(nil)
				_ = r.Channel().AckSync(ack)
			}
			if payload.Status == statusCode(lifecycle.Exited) {
				return
			}
		}
	}
}

func TestHappyLoadAndUnload(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_echo.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	h := NewHost(ld, testConfig(), "broker-uuid")

	rec, err := h.Create("", "./mod_echo.so", 0, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Name() != "mod_echo" {
		t.Fatalf("Name() = %q, want mod_echo", rec.Name())
	}
	if rec.Status() != lifecycle.Init {
		t.Fatalf("Status() = %s, want INIT", rec.Status())
	}

	var transitions []string
	rec.SetStatusCB(func(prev, cur lifecycle.State) {
		transitions = append(transitions, prev.String()+"->"+cur.String())
	})

	if err := h.Start(rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	simulateBroker(ctx, h, rec)

	h.Destroy(rec)

	if rec.Status() != lifecycle.Exited {
		t.Fatalf("final Status() = %s, want EXITED", rec.Status())
	}
	want := []string{"INIT->RUNNING", "RUNNING->FINALIZING", "FINALIZING->EXITED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}

	if _, err := h.Lookup(rec.UUID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after Destroy = %v, want ErrNotFound", err)
	}
}

func TestCreateNameMismatchFails(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_foo.so", faketest.NewArtifact(faketest.EchoEntryPoint()).WithLegacyName("foo"))
	h := NewHost(ld, testConfig(), "broker-uuid")

	_, err := h.Create("bar", "./mod_foo.so", 0, nil, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Create with mismatched legacy name = %v, want ErrInvalidArgument", err)
	}
}

func TestMutedModuleRejectsRequestsButAllowsStatusResponse(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_x.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	h := NewHost(ld, testConfig(), "broker-uuid")
	rec, err := h.Create("", "./mod_x.so", 0, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec.Mute(true)

	reqMsg, _ := envelope.New(envelope.Request, "x.y", nil)
	reqMsg.Route = []string{"broker-uuid"}
	if err := h.Send(rec, reqMsg); !errors.Is(err, ErrMuted) || !errors.Is(err, ErrUnsupportedOp) {
		t.Fatalf("Send(REQUEST) while muted = %v, want ErrMuted and ErrUnsupportedOp", err)
	}

	respMsg, _ := envelope.New(envelope.Response, statusReportTopic, nil)
	respMsg.Route = []string{rec.UUID()}
	if err := h.Send(rec, respMsg); err != nil {
		t.Fatalf("Send(RESPONSE, status topic) while muted = %v, want nil", err)
	}
}

func TestEventFanOut(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_x.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	h := NewHost(ld, testConfig(), "broker-uuid")
	rec, err := h.Create("", "./mod_x.so", 0, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.Subscribe(rec, "job."); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := h.Subscribe(rec, "log."); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	delivered, _ := envelope.New(envelope.Event, "job.state.RUN", nil)
	if err := h.EventCast(rec, delivered); err != nil {
		t.Fatalf("EventCast: %v", err)
	}
	if _, ok := rec.Channel().TryReceiveFromBroker(); !ok {
		t.Fatalf("expected matching event to be delivered")
	}

	notDelivered, _ := envelope.New(envelope.Event, "kvs.commit", nil)
	if err := h.EventCast(rec, notDelivered); err != nil {
		t.Fatalf("EventCast: %v", err)
	}
	if _, ok := rec.Channel().TryReceiveFromBroker(); ok {
		t.Fatalf("expected non-matching event not to be delivered")
	}
}

func TestAbnormalExitPropagatesErrnum(t *testing.T) {
	const eio = 5
	ld := faketest.NewLoader()
	ld.Register("./mod_bad.so", faketest.NewArtifact(faketest.FailingEntryPoint(-1, eio)))
	h := NewHost(ld, testConfig(), "broker-uuid")
	rec, err := h.Create("", "./mod_bad.so", 0, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.Start(rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	simulateBroker(ctx, h, rec)
	h.Destroy(rec)

	if got, _ := h.GetErrnum(rec); got != eio {
		t.Fatalf("Errnum = %d, want %d", got, eio)
	}
}

func TestDestroyMidRunForcesExited(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_block.so", faketest.NewArtifact(faketest.BlockingEntryPoint()))
	h := NewHost(ld, testConfig(), "broker-uuid")
	rec, err := h.Create("", "./mod_block.so", 0, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.Start(rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the goroutine a moment to reach RUNNING before we tear it down.
	deadline := time.Now().Add(time.Second)
	for rec.Status() != lifecycle.Running && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if rec.Status() != lifecycle.Running {
		t.Fatalf("module never reached RUNNING")
	}

	var calls int
	rec.SetStatusCB(func(prev, cur lifecycle.State) { calls++ })

	if err := h.Cancel(rec); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	simulateBroker(ctx, h, rec)
	h.Destroy(rec)

	if rec.Status() != lifecycle.Exited {
		t.Fatalf("Status() after Destroy = %s, want EXITED", rec.Status())
	}

	callsAtDestroy := calls
	time.Sleep(10 * time.Millisecond)
	if calls != callsAtDestroy {
		t.Fatalf("status callback invoked after Destroy returned")
	}
}

func TestCancelAfterExitIsSuccess(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_echo.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	h := NewHost(ld, testConfig(), "broker-uuid")
	rec, err := h.Create("", "./mod_echo.so", 0, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.Start(rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	simulateBroker(ctx, h, rec)

	if err := h.Cancel(rec); err != nil {
		t.Fatalf("Cancel after exit = %v, want nil (success)", err)
	}
}

func TestPushInsmodReplacesPrior(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_x.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	h := NewHost(ld, testConfig(), "broker-uuid")
	rec, err := h.Create("", "./mod_x.so", 0, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _ := envelope.New(envelope.Control, "insmod", "first")
	second, _ := envelope.New(envelope.Control, "insmod", "second")
	if err := h.PushInsmod(rec, first); err != nil {
		t.Fatalf("PushInsmod: %v", err)
	}
	if err := h.PushInsmod(rec, second); err != nil {
		t.Fatalf("PushInsmod: %v", err)
	}

	got, err := h.PopInsmod(rec)
	if err != nil {
		t.Fatalf("PopInsmod: %v", err)
	}
	var payload string
	if err := got.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if payload != "second" {
		t.Fatalf("PopInsmod returned %q, want %q", payload, "second")
	}

	if _, err := h.PopInsmod(rec); err != nil {
		t.Fatalf("second PopInsmod: %v", err)
	}
}

func TestUnsubscribeAbsentTopicIsNoop(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_x.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	h := NewHost(ld, testConfig(), "broker-uuid")
	rec, err := h.Create("", "./mod_x.so", 0, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.Subscribe(rec, "job."); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := h.Unsubscribe(rec, "does-not-exist"); err != nil {
		t.Fatalf("Unsubscribe of absent topic = %v, want nil", err)
	}

	msg, _ := envelope.New(envelope.Event, "job.x", nil)
	if err := h.EventCast(rec, msg); err != nil {
		t.Fatalf("EventCast: %v", err)
	}
	if _, ok := rec.Channel().TryReceiveFromBroker(); !ok {
		t.Fatalf("expected job. subscription to survive the no-op unsubscribe")
	}
}

func TestCreatePoolBootsInRankOrder(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_c.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	ld.Register("./mod_a.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	ld.Register("./mod_b.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	h := NewHost(ld, testConfig(), "broker-uuid")

	pool := &config.PoolConfig{Modules: []config.ModuleSpec{
		{Name: "c", Path: "./mod_c.so", Rank: 2},
		{Name: "a", Path: "./mod_a.so", Rank: 0},
		{Name: "b", Path: "./mod_b.so", Rank: 1},
	}}

	created, err := h.CreatePool(pool)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("len(created) = %d, want 3", len(created))
	}

	wantOrder := []string{"a", "b", "c"}
	for i, rec := range created {
		if rec.Name() != wantOrder[i] {
			t.Fatalf("created[%d].Name() = %q, want %q", i, rec.Name(), wantOrder[i])
		}
	}

	for _, rec := range created {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		simulateBroker(ctx, h, rec)
		cancel()
		h.Destroy(rec)
	}
}

func TestCreatePoolStopsOnFirstFailureAndReturnsPartial(t *testing.T) {
	ld := faketest.NewLoader()
	ld.Register("./mod_a.so", faketest.NewArtifact(faketest.EchoEntryPoint()))
	// mod_missing.so is intentionally never registered.
	h := NewHost(ld, testConfig(), "broker-uuid")

	pool := &config.PoolConfig{Modules: []config.ModuleSpec{
		{Name: "a", Path: "./mod_a.so", Rank: 0},
		{Name: "missing", Path: "./mod_missing.so", Rank: 1},
	}}

	created, err := h.CreatePool(pool)
	if err == nil {
		t.Fatalf("expected CreatePool to fail on the unregistered artifact")
	}
	if len(created) != 1 || created[0].Name() != "a" {
		t.Fatalf("created = %v, want exactly the module that succeeded before the failure", created)
	}
	h.Destroy(created[0])
}

func TestCreatePoolRejectsDuplicateNames(t *testing.T) {
	ld := faketest.NewLoader()
	h := NewHost(ld, testConfig(), "broker-uuid")

	pool := &config.PoolConfig{Modules: []config.ModuleSpec{
		{Name: "dup", Path: "./mod_a.so", Rank: 0},
		{Name: "dup", Path: "./mod_b.so", Rank: 1},
	}}

	if _, err := h.CreatePool(pool); err == nil {
		t.Fatalf("expected CreatePool to reject a pool with duplicate module names")
	}
}
