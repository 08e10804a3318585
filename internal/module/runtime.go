package module

import (
	"context"

	"github.com/tenzoki/gobroker/internal/envelope"
	"github.com/tenzoki/gobroker/internal/lifecycle"
	"github.com/tenzoki/gobroker/internal/logging"
	"github.com/tenzoki/gobroker/internal/metrics"
)

// statusCode maps a lifecycle.State to the numeric code fixed at the
// broker-RPC wire level: INIT=0, RUNNING=1, FINALIZING=2, EXITED=3.
func statusCode(s lifecycle.State) int {
	switch s {
	case lifecycle.Init:
		return 0
	case lifecycle.Running:
		return 1
	case lifecycle.Finalizing:
		return 2
	case lifecycle.Exited:
		return 3
	default:
		return -1
	}
}

// statusReportPayload is the body of a broker.module-status RPC.
type statusReportPayload struct {
	Status int `json:"status"`
	Errnum int `json:"errnum,omitempty"`
}

// errConnReset stands in for ECONNRESET: substituted when the entry point
// reports failure but left errnum at zero.
const errConnReset = 104

// runModule is the code executed on the module's own goroutine: it runs
// the entry point to completion, then drives the FINALIZING/EXITED
// shutdown handshake. It always closes r.done before returning, which is
// what Host.Destroy joins on.
func runModule(h *Host, r *Record, ctx context.Context) {
	defer close(r.done)

	log := logging.WithModule(r.UUID(), r.Name())

	// Steps 1-4: open broker handle / prime attrs / set log name / take
	// an independent config copy. The channel, attribute snapshot and
	// config copy (Record.conf, set in newRecord from a copy the caller
	// made in Create) were already bound before this goroutine started; a
	// failure in this phase (none possible in this realization, since
	// Create already validated the artifact) would jump straight to the
	// close-handle step without ever transitioning to RUNNING.

	// Step 5: register built-in services. Their RPC specifics are out of
	// scope; the host still needs to be able to answer subscribe/
	// unsubscribe/shutdown for a module under test, which it does via the
	// Host API directly rather than a simulated RPC surface.
	log.Debug().Msg("built-in services installed")

	// Step 6: block all signals in this thread. Go has no per-goroutine
	// signal mask; the process-wide signal.Notify handling in the
	// embedding broker is the closest analogue, and is out of scope here.

	if err := r.lc.Transition(lifecycle.Running); err != nil {
		log.Error().Err(err).Msg("failed to enter RUNNING")
		return
	}
	metrics.ModulesByState.WithLabelValues(lifecycle.Init.String()).Dec()
	metrics.ModulesByState.WithLabelValues(lifecycle.Running.String()).Inc()

	// Step 7: run the entry point to completion.
	entry := r.artifact.EntryPoint()
	exitCode, errnum := entry(&Handle{Record: r, Ctx: ctx}, r.Argv())
	if exitCode != 0 && errnum == 0 {
		errnum = errConnReset
	}
	r.SetErrnum(errnum)

	// Step 8: synchronous FINALIZING handshake. Must complete before step
	// 9, or the broker could enqueue a new request after the handle
	// closes and deadlock its own send path.
	if err := r.lc.Transition(lifecycle.Finalizing); err != nil {
		log.Error().Err(err).Msg("failed to enter FINALIZING")
	}
	metrics.ModulesByState.WithLabelValues(lifecycle.Running.String()).Dec()
	metrics.ModulesByState.WithLabelValues(lifecycle.Finalizing.String()).Inc()
	r.Mute(true)

	finalizingMsg, err := envelope.New(envelope.Control, statusReportTopic, statusReportPayload{Status: statusCode(lifecycle.Finalizing)})
	if err == nil {
		timer := metrics.NewTimer()
		hctx, cancel := context.WithTimeout(ctx, finalizingTimeout(h.conf))
		_, err = r.ch.SendSync(hctx, finalizingMsg)
		cancel()
		timer.ObserveDuration(metrics.FinalizingHandshakeDuration)
	}
	if err != nil {
		log.Warn().Err(err).Msg("FINALIZING handshake failed; continuing shutdown regardless")
	}

	// Step 9: drain residual requests with an unsupported-op response.
	drainResidual(r)

	// Step 10: fire-and-forget EXITED status report.
	exitedMsg, err := envelope.New(envelope.Control, statusReportTopic, statusReportPayload{Status: statusCode(lifecycle.Exited), Errnum: errnum})
	if err == nil {
		if err := r.ch.SendToBroker(exitedMsg); err != nil {
			log.Warn().Err(err).Msg("EXITED status report failed")
		}
	}

	// Step 11: the lifecycle transition to EXITED happens here on the
	// module side; a cancelled module also reaches this step once its entry
	// point returns. The channel itself is closed later, by Destroy. Destroy
	// also forces EXITED, which is a no-op once this transition has run and
	// only changes the state when runModule returned early above.
	if err := r.lc.Transition(lifecycle.Exited); err != nil {
		log.Debug().Err(err).Msg("EXITED transition already applied")
	} else {
		metrics.ModulesByState.WithLabelValues(lifecycle.Finalizing.String()).Dec()
		metrics.ModulesByState.WithLabelValues(lifecycle.Exited.String()).Inc()
	}
}

// errorPayload is the body of an unsupported-operation RESPONSE sent by
// drainResidual.
type errorPayload struct {
	Error string `json:"error"`
}

// drainResidual answers every REQUEST still buffered in the module's
// receive queue with an unsupported-operation RESPONSE. EVENTs and
// CONTROL messages left in the queue are simply discarded: there is no
// reply channel for an EVENT, and a CONTROL message arriving this late
// has no handler left to answer it.
func drainResidual(r *Record) {
	for {
		msg, ok := r.ch.TryReceiveFromBroker()
		if !ok {
			return
		}
		if msg.Kind != envelope.Request {
			continue
		}
		resp, err := msg.Reply(errorPayload{Error: ErrUnsupportedOp.Error()})
		if err != nil {
			continue
		}
		_ = r.ch.SendToBroker(resp)
	}
}
