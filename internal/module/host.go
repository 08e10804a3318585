package module

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenzoki/gobroker/internal/channel"
	"github.com/tenzoki/gobroker/internal/config"
	"github.com/tenzoki/gobroker/internal/disconnect"
	"github.com/tenzoki/gobroker/internal/envelope"
	"github.com/tenzoki/gobroker/internal/lifecycle"
	"github.com/tenzoki/gobroker/internal/loader"
	"github.com/tenzoki/gobroker/internal/logging"
	"github.com/tenzoki/gobroker/internal/metrics"
)

// Host is the broker-side module host: it loads artifacts, spawns and
// retires module goroutines, and is the only thing that ever mutates the
// Record map. One Host per broker process.
type Host struct {
	mu      sync.Mutex
	records map[string]*Record

	loader     loader.Loader
	conf       *config.HostConfig
	parentUUID string
}

// NewHost constructs a Host. parentUUID is the broker's own route
// identity, stamped into every module record created from it.
func NewHost(ld loader.Loader, conf *config.HostConfig, parentUUID string) *Host {
	return &Host{
		records:    make(map[string]*Record),
		loader:     ld,
		conf:       conf,
		parentUUID: parentUUID,
	}
}

// deriveName strips a shared-object-style suffix off path's basename, the
// fallback used when the caller does not supply an explicit name.
func deriveName(path string) string {
	base := filepath.Base(path)
	for _, suffix := range []string{".so", ".dylib", ".dll"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return base
}

// Create loads the artifact at path, resolves its entry point, generates
// a fresh uuid, and binds a new channel. name may be empty, in which case
// it is derived from path's basename.
//
// Called by: the embedding broker for each module it wants loaded, and by
// CreatePool for every ModuleSpec in a pool document.
func (h *Host) Create(name, path string, rank int, attrs map[string]interface{}, args []string) (*Record, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidArgument)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ModuleLoadDuration)

	artifact, err := h.loader.Load(path)
	if err != nil {
		if errors.Is(err, loader.ErrEntryPointMissing) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if artifact.EntryPoint() == nil {
		artifact.Close()
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidArgument, loader.ErrEntryPointMissing, path)
	}

	if name == "" {
		name = deriveName(path)
	}
	if legacy, present := artifact.LegacyName(); present && legacy != name {
		artifact.Close()
		return nil, fmt.Errorf("%w: artifact mod_name %q does not match requested name %q", ErrInvalidArgument, legacy, name)
	}

	id := uuid.New().String()

	h.mu.Lock()
	if _, exists := h.records[id]; exists {
		h.mu.Unlock()
		artifact.Close()
		return nil, fmt.Errorf("%w: uuid collision", ErrNoMemory)
	}
	h.mu.Unlock()

	ch := channel.New(h.conf.Channel.ToModuleCapacity)
	cred := envelope.Credential{UserID: h.conf.ProcessUserID, RoleMask: h.conf.ProcessRoleMask}

	// The module goroutine gets its own copy of the host's config so it
	// can be handed off without racing later mutation of h.conf. PoolFiles
	// and BaseDir are cloned too: a plain struct copy would still alias
	// h.conf's backing arrays.
	confCopy := *h.conf
	confCopy.PoolFiles = append([]string(nil), h.conf.PoolFiles...)
	confCopy.BaseDir = append([]string(nil), h.conf.BaseDir...)
	rec := newRecord(name, path, id, h.parentUUID, rank, attrs, &confCopy, args, artifact, ch, cred)

	h.mu.Lock()
	h.records[id] = rec
	h.mu.Unlock()

	metrics.ModulesByState.WithLabelValues(lifecycle.Init.String()).Inc()
	logging.WithModule(id, name).Info().Str("path", path).Msg("module created")

	return rec, nil
}

// CreatePool creates and starts every module named in pool, in ascending
// Rank order, so the embedding broker can hand over one PoolConfig instead
// of calling Create/Start by hand for each module it wants running at
// boot. A pool that declares the same module name twice is rejected up
// front, before any module is created; artifact paths are not checked
// here but resolved by the Host's Loader inside Create. On the first
// Create or Start failure, CreatePool stops and returns the records it did
// manage to bring up alongside the error, so the caller can decide whether
// to Destroy them or keep going with a partially booted pool.
//
// Called by: the embedding broker's boot sequence, once per pool document.
func (h *Host) CreatePool(pool *config.PoolConfig) ([]*Record, error) {
	if pool == nil || len(pool.Modules) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(pool.Modules))
	for _, m := range pool.Modules {
		if seen[m.Name] {
			return nil, fmt.Errorf("pool: module %q declared more than once", m.Name)
		}
		seen[m.Name] = true
	}

	specs := append([]config.ModuleSpec(nil), pool.Modules...)
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Rank < specs[j].Rank })

	created := make([]*Record, 0, len(specs))
	for _, spec := range specs {
		rec, err := h.Create(spec.Name, spec.Path, spec.Rank, nil, nil)
		if err != nil {
			return created, fmt.Errorf("pool: create %q: %w", spec.Name, err)
		}
		created = append(created, rec)

		if err := h.Start(rec); err != nil {
			return created, fmt.Errorf("pool: start %q: %w", spec.Name, err)
		}
	}
	return created, nil
}

// Start spawns the module's goroutine. It installs no reactor watcher: the
// embedding broker watches Channel().NotifyChannel() and calls Receive.
//
// Called by: the embedding broker once Create has returned, and by
// CreatePool for every module it brings up.
func (h *Host) Start(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go runModule(h, r, ctx)

	return nil
}

// Stop sends a fire-and-forget shutdown request to the module's
// "<name>.shutdown" topic. It does not wait for the module to act on it.
func (h *Host) Stop(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	msg, err := envelope.New(envelope.Control, r.Name()+".shutdown", nil)
	if err != nil {
		return err
	}
	return h.Send(r, msg)
}

// Cancel asynchronously cancels the module's goroutine. A Record whose
// goroutine has already returned tolerates a redundant Cancel as success.
func (h *Host) Cancel(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Destroy joins the module's goroutine (waiting with no timeout, per the
// host's contract), forces the lifecycle to EXITED if it isn't already
// there, fires any armed disconnects, releases the channel and artifact,
// and removes the record from the host. After Destroy returns, no further
// callback referencing r is ever invoked.
//
// Called by: the embedding broker when unloading a module, normally after
// Cancel or after the module's own entry point has returned.
func (h *Host) Destroy(r *Record) {
	if r == nil {
		return
	}

	<-r.done

	prevState := r.Status()
	r.lc.ForceExited()
	if prevState != lifecycle.Exited {
		metrics.ModulesByState.WithLabelValues(prevState.String()).Dec()
		metrics.ModulesByState.WithLabelValues(lifecycle.Exited.String()).Inc()
	}

	r.disc.Fire()
	r.ch.Close(time.Duration(h.conf.Channel.CloseLingerSeconds) * time.Second)
	r.artifact.Close()

	h.mu.Lock()
	delete(h.records, r.UUID())
	h.mu.Unlock()

	metrics.ModulesByState.WithLabelValues(lifecycle.Exited.String()).Dec()
	logging.WithModule(r.UUID(), r.Name()).Info().Msg("module destroyed")
}

// Send delivers msg from the broker to the module, applying the
// send-side route and credential rewrite rules.
//
// Called by: the broker reactor's dispatch path, and by Stop, EventCast
// and the other Host convenience methods that forward through it.
func (h *Host) Send(r *Record, msg *envelope.Envelope) error {
	if r == nil || msg == nil {
		return fmt.Errorf("%w: nil record or message", ErrInvalidArgument)
	}

	out, err := rewriteSend(r, msg)
	if err != nil {
		metrics.RouteRewriteErrors.WithLabelValues(rewriteErrorReason(err)).Inc()
		return err
	}

	if err := r.Channel().SendToModule(context.Background(), out); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return err
	}

	metrics.MessagesRouted.WithLabelValues("to_module", out.Kind.String()).Inc()
	return nil
}

// Receive pulls one message from the module, applying the receive-side
// route and credential rewrite rules. ok is false if nothing is currently
// buffered.
//
// Called by: the broker reactor, once per wakeup of NotifyChannel.
func (h *Host) Receive(r *Record) (msg *envelope.Envelope, ok bool, err error) {
	if r == nil {
		return nil, false, fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}

	raw, ok := r.Channel().ReceiveFromModule()
	if !ok {
		return nil, false, nil
	}

	out, err := rewriteReceive(r, raw)
	if err != nil {
		metrics.RouteRewriteErrors.WithLabelValues(rewriteErrorReason(err)).Inc()
		return nil, false, err
	}

	metrics.MessagesRouted.WithLabelValues("to_broker", out.Kind.String()).Inc()
	return out, true, nil
}

// Subscribe adds topic as an event prefix subscription for r.
func (h *Host) Subscribe(r *Record, topic string) error {
	if r == nil || topic == "" {
		return fmt.Errorf("%w: nil record or empty topic", ErrInvalidArgument)
	}
	r.Subscribe(topic)
	return nil
}

// Unsubscribe removes the first matching subscription for topic, a no-op
// if it was never subscribed.
func (h *Host) Unsubscribe(r *Record, topic string) error {
	if r == nil || topic == "" {
		return fmt.Errorf("%w: nil record or empty topic", ErrInvalidArgument)
	}
	r.Unsubscribe(topic)
	return nil
}

// EventCast delivers msg to r iff some subscription of r's is a prefix of
// msg.Topic.
func (h *Host) EventCast(r *Record, msg *envelope.Envelope) error {
	if r == nil || msg == nil {
		return fmt.Errorf("%w: nil record or message", ErrInvalidArgument)
	}
	if !r.matchesSubscription(msg.Topic) {
		return nil
	}
	return h.Send(r, msg)
}

// PushRmmod appends msg to r's pending remove-module FIFO.
func (h *Host) PushRmmod(r *Record, msg *envelope.Envelope) error {
	if r == nil || msg == nil {
		return fmt.Errorf("%w: nil record or message", ErrInvalidArgument)
	}
	r.PushRmmod(msg)
	return nil
}

// PopRmmod removes and returns the oldest pending remove-module request.
func (h *Host) PopRmmod(r *Record) (*envelope.Envelope, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	msg, _ := r.PopRmmod()
	return msg, nil
}

// PushInsmod replaces r's pending install-module request with msg.
func (h *Host) PushInsmod(r *Record, msg *envelope.Envelope) error {
	if r == nil || msg == nil {
		return fmt.Errorf("%w: nil record or message", ErrInvalidArgument)
	}
	r.PushInsmod(msg)
	return nil
}

// PopInsmod returns and clears r's pending install-module request.
func (h *Host) PopInsmod(r *Record) (*envelope.Envelope, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	msg, _ := r.PopInsmod()
	return msg, nil
}

// SetPollerCB registers the callback invoked once for every message that
// Receive pulls from r's module and rewrites successfully.
func (h *Host) SetPollerCB(r *Record, cb func()) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	r.SetPollerCB(cb)
	return nil
}

// SetStatusCB registers the callback invoked on every lifecycle
// transition of r.
func (h *Host) SetStatusCB(r *Record, cb lifecycle.StatusCB) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	r.SetStatusCB(cb)
	return nil
}

// SetErrnum overrides r's stored error number.
func (h *Host) SetErrnum(r *Record, n int) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	r.SetErrnum(n)
	return nil
}

// GetErrnum returns r's stored error number.
func (h *Host) GetErrnum(r *Record) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	return r.Errnum(), nil
}

// GetLastSeen returns the monotonic timestamp of the most recent message
// received from r's module.
func (h *Host) GetLastSeen(r *Record) (time.Time, error) {
	if r == nil {
		return time.Time{}, fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	return r.LastSeen(), nil
}

// GetName returns r's short identifier.
func (h *Host) GetName(r *Record) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	return r.Name(), nil
}

// GetPath returns r's loadable artifact path.
func (h *Host) GetPath(r *Record) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	return r.Path(), nil
}

// GetUUID returns r's route identity.
func (h *Host) GetUUID(r *Record) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	return r.UUID(), nil
}

// GetStatus returns r's current lifecycle state.
func (h *Host) GetStatus(r *Record) (lifecycle.State, error) {
	if r == nil {
		return lifecycle.Init, fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	return r.Status(), nil
}

// Mute sets or clears r's muted flag.
func (h *Host) Mute(r *Record, on bool) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	r.Mute(on)
	return nil
}

// DisconnectArm records (sender, matchTag) against r so Destroy replays a
// synthetic disconnect for it via cb.
func (h *Host) DisconnectArm(r *Record, sender, matchTag string, cb disconnect.Callback, arg interface{}) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	r.DisconnectArm(sender, matchTag, cb, arg)
	return nil
}

// Lookup returns the record for uuid, if still live.
func (h *Host) Lookup(id string) (*Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func finalizingTimeout(conf *config.HostConfig) time.Duration {
	return time.Duration(conf.Channel.FinalizingTimeoutSeconds) * time.Second
}

func rewriteErrorReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMuted):
		return "muted"
	case errors.Is(err, ErrRouteUnderflow):
		return "route_underflow"
	default:
		return "other"
	}
}
