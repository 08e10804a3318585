package module

import (
	"fmt"

	"github.com/tenzoki/gobroker/internal/envelope"
)

// statusReportTopic is the one topic a muted channel still permits a
// RESPONSE to carry: the module's own FINALIZING/EXITED status report.
const statusReportTopic = "broker.module-status"

// rewriteReceive implements the broker-pulls-from-module rewrite rules: a
// RESPONSE pops the module's own identity off the route stack; a REQUEST
// or EVENT has the module's uuid pushed on so the broker knows who sent
// it. Credentials are then normalized: an unset userid or empty rolemask
// is replaced by the channel's fixed credential, and the OWNER bit is
// asserted to always be present afterward.
func rewriteReceive(r *Record, msg *envelope.Envelope) (*envelope.Envelope, error) {
	out := msg.Clone()

	switch out.Kind {
	case envelope.Response:
		if _, ok := out.PopRoute(); !ok {
			return nil, fmt.Errorf("%w: response with empty route stack", ErrRouteUnderflow)
		}
	case envelope.Request, envelope.Event:
		out.PushRoute(r.UUID())
	}

	cred := r.Credential()
	if out.Cred.UserID == "" {
		out.Cred.UserID = cred.UserID
	}
	if out.Cred.RoleMask == 0 {
		out.Cred.RoleMask = cred.RoleMask
	}
	out.Cred.RoleMask |= envelope.RoleOwner

	r.touchLastSeen()
	r.firePollerCB()

	return out, nil
}

// rewriteSend implements the broker-pushes-to-module rewrite rules: a
// REQUEST is duplicated with the broker's parentUUID pushed as the
// outbound hop; a RESPONSE is duplicated with its top route entry popped;
// anything else transmits verbatim. If the channel is muted, only a
// RESPONSE addressed to the status-report topic is allowed through.
func rewriteSend(r *Record, msg *envelope.Envelope) (*envelope.Envelope, error) {
	if r.Muted() {
		if !(msg.Kind == envelope.Response && msg.Topic == statusReportTopic) {
			return nil, fmt.Errorf("%w: %w: %s", ErrUnsupportedOp, ErrMuted, msg.Kind)
		}
	}

	out := msg.Clone()

	switch out.Kind {
	case envelope.Request:
		out.PushRoute(r.ParentUUID())
	case envelope.Response:
		if _, ok := out.PopRoute(); !ok {
			return nil, fmt.Errorf("%w: response with empty route stack", ErrRouteUnderflow)
		}
	}

	return out, nil
}
