// Package module implements the broker-side module host: the module
// record, its route-stack rewriting, its goroutine runtime, and the Host
// API the surrounding broker calls.
package module

import (
	"sync"
	"time"

	"github.com/tenzoki/gobroker/internal/channel"
	"github.com/tenzoki/gobroker/internal/config"
	"github.com/tenzoki/gobroker/internal/disconnect"
	"github.com/tenzoki/gobroker/internal/envelope"
	"github.com/tenzoki/gobroker/internal/lifecycle"
	"github.com/tenzoki/gobroker/internal/loader"
	"github.com/tenzoki/gobroker/internal/subscription"
)

// Record is the ownership root for one loaded module. Fields set at
// Create time (name, path, uuid, parentUUID, rank, attrs, conf, argv,
// artifact, channel) are written once and never mutated afterward. The
// module goroutine (runModule) does change state through Record methods:
// it drives the lifecycle transitions, stores the entry point's errnum and
// mutes the channel once the entry point has returned. The host does not
// apply the broker.module-status reports it sends to the Record.
type Record struct {
	name       string
	path       string
	uuid       string
	parentUUID string
	rank       int
	attrs      map[string]interface{} // read-only snapshot of the broker's attribute table
	conf       *config.HostConfig     // the module's own copy; broker retains its own
	argv       []string

	artifact loader.Artifact
	ch       *channel.Channel
	lc       *lifecycle.Machine

	subs *subscription.Set
	disc *disconnect.Tracker

	// credential is fixed at creation: {userid = process uid, rolemask =
	// OWNER|LOCAL}. muted, errnum and lastSeen are guarded by mu: lastSeen
	// is written by Receive on the broker side, while muted and errnum are
	// written both by broker-side callers (Mute, SetErrnum) and by the
	// module goroutine in runModule.
	mu         sync.Mutex
	credential envelope.Credential
	muted      bool
	errnum     int
	lastSeen   time.Time

	rmmodQueue []*envelope.Envelope
	insmodSlot *envelope.Envelope

	pollerCB func()

	cancel func()       // cancels the module goroutine's context
	done   chan struct{} // closed when the module goroutine returns (joined)
}

// newRecord constructs a Record in the Init state. Not exported: Host.Create
// is the only legitimate constructor, since it also performs artifact
// loading and channel/watcher wiring.
func newRecord(name, path, uuid, parentUUID string, rank int, attrs map[string]interface{}, conf *config.HostConfig, argv []string, artifact loader.Artifact, ch *channel.Channel, cred envelope.Credential) *Record {
	r := &Record{
		name:       name,
		path:       path,
		uuid:       uuid,
		parentUUID: parentUUID,
		rank:       rank,
		attrs:      attrs,
		conf:       conf,
		argv:       argv,
		artifact:   artifact,
		ch:         ch,
		lc:         lifecycle.New(),
		subs:       subscription.New(),
		disc:       disconnect.New(),
		done:       make(chan struct{}),
		credential: cred,
	}
	return r
}

// Credential returns the channel's fixed credential, used to normalize
// messages with an unknown userid or empty rolemask on receive.
func (r *Record) Credential() envelope.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.credential
}

// Name returns the module's short identifier.
func (r *Record) Name() string { return r.name }

// Path returns the loadable artifact's full path.
func (r *Record) Path() string { return r.path }

// UUID returns the module's route identity.
func (r *Record) UUID() string { return r.uuid }

// ParentUUID returns the broker's own identity as seen by this module.
func (r *Record) ParentUUID() string { return r.parentUUID }

// Rank returns the module's numeric node identity within the broker
// cluster.
func (r *Record) Rank() int { return r.rank }

// Attrs returns the read-only attribute table snapshot primed for this
// module.
func (r *Record) Attrs() map[string]interface{} { return r.attrs }

// Conf returns the module's own independent configuration copy.
func (r *Record) Conf() *config.HostConfig { return r.conf }

// Argv returns the packed argument vector passed to the entry point.
func (r *Record) Argv() []string { return r.argv }

// Channel returns the module's private bidirectional channel.
func (r *Record) Channel() *channel.Channel { return r.ch }

// Status returns the module's current lifecycle state.
func (r *Record) Status() lifecycle.State { return r.lc.State() }

// LastSeen returns the monotonic timestamp of the most recent message
// received from the module.
func (r *Record) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

func (r *Record) touchLastSeen() {
	r.mu.Lock()
	r.lastSeen = time.Now()
	r.mu.Unlock()
}

// Errnum returns the last error number reported by the module's entry
// point.
func (r *Record) Errnum() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errnum
}

// SetErrnum overrides the stored error number, for a broker that wants to
// annotate a record with a more specific diagnosis than the entry point's
// raw return code.
func (r *Record) SetErrnum(n int) {
	r.mu.Lock()
	r.errnum = n
	r.mu.Unlock()
}

// Muted reports whether the channel is currently muted.
func (r *Record) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

// Mute sets or clears the muted flag. While muted, Send (see routing.go)
// rejects with ErrMuted every message that is not a RESPONSE on the
// status-report topic.
func (r *Record) Mute(on bool) {
	r.mu.Lock()
	r.muted = on
	r.mu.Unlock()
}

// PushRmmod appends msg to the FIFO of pending remove-module requests.
func (r *Record) PushRmmod(msg *envelope.Envelope) {
	r.mu.Lock()
	r.rmmodQueue = append(r.rmmodQueue, msg)
	r.mu.Unlock()
}

// PopRmmod removes and returns the oldest pending remove-module request,
// if any.
func (r *Record) PopRmmod() (*envelope.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rmmodQueue) == 0 {
		return nil, false
	}
	msg := r.rmmodQueue[0]
	r.rmmodQueue = r.rmmodQueue[1:]
	return msg, true
}

// PushInsmod replaces any prior pending install-module request with msg.
func (r *Record) PushInsmod(msg *envelope.Envelope) {
	r.mu.Lock()
	r.insmodSlot = msg
	r.mu.Unlock()
}

// PopInsmod returns and clears the pending install-module request, if
// any.
func (r *Record) PopInsmod() (*envelope.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := r.insmodSlot
	r.insmodSlot = nil
	if msg == nil {
		return nil, false
	}
	return msg, true
}

// SetPollerCB registers the callback fired once for every message that
// Host.Receive pulls from the module and rewrites successfully.
func (r *Record) SetPollerCB(cb func()) {
	r.mu.Lock()
	r.pollerCB = cb
	r.mu.Unlock()
}

func (r *Record) firePollerCB() {
	r.mu.Lock()
	cb := r.pollerCB
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SetStatusCB registers the callback invoked on every lifecycle
// transition.
func (r *Record) SetStatusCB(cb lifecycle.StatusCB) {
	r.lc.SetStatusCB(cb)
}

// DisconnectArm records (sender, matchTag) so that Destroy can replay a
// synthetic disconnect for it.
func (r *Record) DisconnectArm(sender, matchTag string, cb disconnect.Callback, arg interface{}) {
	r.disc.Arm(sender, matchTag, cb, arg)
}

// Subscribe adds topic as an event-prefix subscription.
func (r *Record) Subscribe(topic string) {
	r.subs.Add(topic)
}

// Unsubscribe removes the first matching subscription for topic, a no-op
// if topic was never subscribed.
func (r *Record) Unsubscribe(topic string) {
	r.subs.Remove(topic)
}

// matchesSubscription reports whether topic has any subscribed prefix,
// the rule EventCast uses.
func (r *Record) matchesSubscription(topic string) bool {
	return r.subs.MatchesAny(topic)
}
