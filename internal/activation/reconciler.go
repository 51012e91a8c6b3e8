package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"parsewatch/internal/eventloop"
	"parsewatch/internal/logging"
	"parsewatch/internal/session"
)

// EntitlementSource reports the authoritative entitlement.
type EntitlementSource interface {
	Entitled(ctx context.Context) (bool, error)
}

// EntitlementFunc adapts a function to EntitlementSource.
type EntitlementFunc func(ctx context.Context) (bool, error)

func (f EntitlementFunc) Entitled(ctx context.Context) (bool, error) { return f(ctx) }

// Observer receives reconciler notifications on the loop.
type Observer interface {
	GraceExpired(reason Reason)
	Confirmed(reasons []Reason)
}

// ObserverFuncs adapts plain functions to Observer.
type ObserverFuncs struct {
	OnGraceExpired func(reason Reason)
	OnConfirmed    func(reasons []Reason)
}

func (o ObserverFuncs) GraceExpired(reason Reason) {
	if o.OnGraceExpired != nil {
		o.OnGraceExpired(reason)
	}
}

func (o ObserverFuncs) Confirmed(reasons []Reason) {
	if o.OnConfirmed != nil {
		o.OnConfirmed(reasons)
	}
}

// Options configures a Reconciler.
type Options struct {
	PostRegistrationTTL time.Duration
	PostPaymentTTL      time.Duration
	RecheckInterval     time.Duration
	FetchTimeout        time.Duration
	MaxFetchFailures    int
	Logger              *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.PostRegistrationTTL <= 0 {
		o.PostRegistrationTTL = DefaultPostRegistrationTTL
	}
	if o.PostPaymentTTL <= 0 {
		o.PostPaymentTTL = DefaultPostPaymentTTL
	}
	if o.RecheckInterval <= 0 {
		o.RecheckInterval = DefaultRecheckInterval
	}
	if o.MaxFetchFailures <= 0 {
		o.MaxFetchFailures = DefaultMaxFetchFailures
	}
}

// GraceStatus describes one grace instance.
type GraceStatus struct {
	Reason      Reason
	State       State
	ActivatedAt time.Time
	Deadline    time.Time
	Remaining   time.Duration
}

// Status is a point-in-time report of the reconciler.
type Status struct {
	Entitled            bool
	AuthoritativeKnown  bool
	Authoritative       bool
	RegistrationPending bool
	Rechecking          bool
	RecheckFailures     int
	Graces              []GraceStatus
}

type instance struct {
	grace GracePeriod
	state State
	timer eventloop.Timer
}

// Reconciler is confined to its loop. Store calls are made synchronously from
// loop callbacks.
type Reconciler struct {
	loop   eventloop.Loop
	store  session.Store
	source EntitlementSource
	opts   Options
	logger *slog.Logger

	instances map[Reason]*instance
	observers []Observer

	authoritative       bool
	authoritativeKnown  bool
	registrationPending bool

	recheck    eventloop.Timer
	inFlight   bool
	generation uint64
	failures   int
	closed     bool
}

// New constructs a reconciler. source may be nil, in which case windows only
// end by ttl or an explicit Observe.
func New(loop eventloop.Loop, store session.Store, source EntitlementSource, opts Options) *Reconciler {
	opts.applyDefaults()
	if store == nil {
		store = session.NewMemoryStore()
	}
	return &Reconciler{
		loop:      loop,
		store:     store,
		source:    source,
		opts:      opts,
		logger:    logging.NewComponentLogger(opts.Logger, "activation"),
		instances: make(map[Reason]*instance),
	}
}

// Subscribe registers an observer.
func (r *Reconciler) Subscribe(obs Observer) {
	if obs != nil {
		r.observers = append(r.observers, obs)
	}
}

// TTL returns the configured window for reason.
func (r *Reconciler) TTL(reason Reason) time.Duration {
	if reason == ReasonPostRegistration {
		return r.opts.PostRegistrationTTL
	}
	return r.opts.PostPaymentTTL
}

// Trigger opens a fresh grace window for reason. Re-triggering an open
// window restarts it from now.
func (r *Reconciler) Trigger(reason Reason) error {
	if r.closed {
		return errors.New("activation: reconciler closed")
	}
	if !reason.valid() {
		return fmt.Errorf("activation: unknown reason %q", reason)
	}
	inst := r.instances[reason]
	if inst == nil {
		inst = &instance{}
		r.instances[reason] = inst
	}
	if inst.timer != nil {
		inst.timer.Stop()
		inst.timer = nil
	}

	now := r.loop.Now()
	inst.grace = GracePeriod{Reason: reason, ActivatedAt: now, TTL: r.TTL(reason)}
	inst.state = StatePending
	r.persist(inst.grace)
	inst.state = StateActive
	r.arm(inst, inst.grace.TTL)

	r.logger.Info("grace period started",
		logging.String(logging.FieldReason, string(reason)),
		logging.Duration("ttl", inst.grace.TTL),
		logging.String(logging.FieldEventType, "grace_started"),
	)
	r.startRecheck()
	return nil
}

// MarkRegistrationPending records that the user left to register and will
// come back through a redirect.
func (r *Reconciler) MarkRegistrationPending() error {
	if err := r.store.Set(context.Background(), KeyRegistrationPending, r.loop.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("persist registration marker: %w", err)
	}
	r.registrationPending = true
	return nil
}

// ObserveRedirect inspects a landing URL. A checkout success marker triggers
// the payment window, and a pending registration marker is converted into a
// registration window. It reports whether anything was triggered.
func (r *Reconciler) ObserveRedirect(rawURL string) (bool, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false, fmt.Errorf("parse redirect url: %w", err)
	}
	if !isCheckoutSuccess(u.Query()) {
		return false, nil
	}

	pending := r.registrationPending
	if !pending {
		_, ok, err := r.store.Get(context.Background(), KeyRegistrationPending)
		if err != nil {
			r.warnStore("read registration marker", err)
		}
		pending = ok
	}
	if pending {
		if err := r.store.Delete(context.Background(), KeyRegistrationPending); err != nil {
			r.warnStore("clear registration marker", err)
		}
		r.registrationPending = false
		if err := r.Trigger(ReasonPostRegistration); err != nil {
			return false, err
		}
	}
	if err := r.Trigger(ReasonPostPaymentRedirect); err != nil {
		return pending, err
	}
	return true, nil
}

func isCheckoutSuccess(q url.Values) bool {
	if strings.EqualFold(q.Get("success"), "true") {
		return true
	}
	if strings.EqualFold(q.Get("checkout"), "success") {
		return true
	}
	return strings.TrimSpace(q.Get("session_id")) != ""
}

// Restore rebuilds grace instances from the session store after a restart.
func (r *Reconciler) Restore() error {
	ctx := context.Background()
	values, err := r.store.List(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("restore activation state: %w", err)
	}
	_, r.registrationPending = values[KeyRegistrationPending]

	keys := make([]string, 0, len(values))
	for k := range values {
		if strings.HasPrefix(k, graceKeyPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	now := r.loop.Now()
	anyActive := false
	for _, key := range keys {
		grace, err := decodeGrace(key, values[key])
		if err != nil {
			logging.WarnWithContext(r.logger, "discarding unreadable grace record", "grace_corrupt",
				logging.String("key", key),
				logging.Error(err),
				logging.String(logging.FieldImpact, "provisional access for this reason is not restored"),
			)
			if derr := r.store.Delete(ctx, key); derr != nil {
				r.warnStore("delete grace record", derr)
			}
			continue
		}
		inst := &instance{grace: grace}
		r.instances[grace.Reason] = inst
		if grace.ExpiredAt(now) {
			r.expire(inst)
			continue
		}
		inst.state = StateActive
		r.arm(inst, grace.Deadline().Sub(now))
		anyActive = true
		r.logger.Info("grace period restored",
			logging.String(logging.FieldReason, string(grace.Reason)),
			logging.Duration("remaining", grace.Deadline().Sub(now)),
		)
	}
	if anyActive {
		r.startRecheck()
	}
	return nil
}

// Observe applies an authoritative entitlement reading.
func (r *Reconciler) Observe(active bool) {
	r.authoritative = active
	r.authoritativeKnown = true
	if !active {
		return
	}

	var confirmed []Reason
	for _, reason := range Reasons() {
		inst := r.instances[reason]
		if inst == nil || (inst.state != StateActive && inst.state != StatePending) {
			continue
		}
		if inst.timer != nil {
			inst.timer.Stop()
			inst.timer = nil
		}
		inst.state = StateConfirmed
		inst.grace.Confirmed = true
		confirmed = append(confirmed, reason)
	}
	r.stopRecheck()
	if len(confirmed) == 0 {
		return
	}

	keys := []string{KeyRegistrationPending}
	for _, reason := range confirmed {
		keys = append(keys, GraceKey(reason))
	}
	if err := r.store.Delete(context.Background(), keys...); err != nil {
		r.warnStore("clear grace records", err)
	}
	r.registrationPending = false

	r.logger.Info("entitlement confirmed",
		logging.String(logging.FieldEventType, "grace_confirmed"),
		logging.Int("reasons", len(confirmed)),
	)
	for _, obs := range r.observers {
		obs.Confirmed(confirmed)
	}
}

// Entitled reports whether the user may act as entitled right now.
func (r *Reconciler) Entitled() bool {
	r.sweep()
	if r.authoritative {
		return true
	}
	for _, inst := range r.instances {
		if inst.state == StateActive {
			return true
		}
	}
	return false
}

// State reports the lifecycle state for reason.
func (r *Reconciler) State(reason Reason) State {
	r.sweep()
	if inst := r.instances[reason]; inst != nil {
		return inst.state
	}
	return StateNone
}

// Status reports every instance plus recheck bookkeeping.
func (r *Reconciler) Status() Status {
	entitled := r.Entitled()
	now := r.loop.Now()
	st := Status{
		Entitled:            entitled,
		AuthoritativeKnown:  r.authoritativeKnown,
		Authoritative:       r.authoritative,
		RegistrationPending: r.registrationPending,
		Rechecking:          r.recheck != nil,
		RecheckFailures:     r.failures,
	}
	for _, reason := range Reasons() {
		inst := r.instances[reason]
		if inst == nil {
			continue
		}
		gs := GraceStatus{
			Reason:      reason,
			State:       inst.state,
			ActivatedAt: inst.grace.ActivatedAt,
			Deadline:    inst.grace.Deadline(),
		}
		if inst.state == StateActive {
			gs.Remaining = inst.grace.Deadline().Sub(now)
		}
		st.Graces = append(st.Graces, gs)
	}
	return st
}

// Clear drops every grace instance and every persisted activation key.
func (r *Reconciler) Clear() error {
	for reason, inst := range r.instances {
		if inst.timer != nil {
			inst.timer.Stop()
		}
		delete(r.instances, reason)
	}
	r.stopRecheck()
	r.registrationPending = false

	ctx := context.Background()
	values, err := r.store.List(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("list activation keys: %w", err)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	if err := r.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("clear activation keys: %w", err)
	}
	return nil
}

// RecheckNow fetches the entitlement immediately unless a fetch is in flight.
func (r *Reconciler) RecheckNow() {
	r.fetch()
}

// Close stops timers and discards in-flight results.
func (r *Reconciler) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.generation++
	for _, inst := range r.instances {
		if inst.timer != nil {
			inst.timer.Stop()
			inst.timer = nil
		}
	}
	r.stopRecheck()
}

func (r *Reconciler) arm(inst *instance, after time.Duration) {
	reason := inst.grace.Reason
	activatedAt := inst.grace.ActivatedAt
	inst.timer = r.loop.AfterFunc(after, func() {
		cur := r.instances[reason]
		if cur == nil || cur != inst || !cur.grace.ActivatedAt.Equal(activatedAt) {
			return
		}
		if cur.state != StateActive {
			return
		}
		now := r.loop.Now()
		if !cur.grace.ExpiredAt(now) {
			r.arm(cur, cur.grace.Deadline().Sub(now))
			return
		}
		cur.timer = nil
		r.expire(cur)
	})
}

func (r *Reconciler) sweep() {
	now := r.loop.Now()
	for _, reason := range Reasons() {
		inst := r.instances[reason]
		if inst != nil && inst.state == StateActive && inst.grace.ExpiredAt(now) {
			if inst.timer != nil {
				inst.timer.Stop()
				inst.timer = nil
			}
			r.expire(inst)
		}
	}
}

func (r *Reconciler) expire(inst *instance) {
	inst.state = StateExpired
	reason := inst.grace.Reason
	if err := r.store.Delete(context.Background(), GraceKey(reason)); err != nil {
		r.warnStore("clear grace record", err)
	}
	logging.WarnWithContext(r.logger, "grace period expired without confirmation", "grace_expired",
		logging.String(logging.FieldReason, string(reason)),
		logging.Time("activated_at", inst.grace.ActivatedAt),
		logging.Duration("ttl", inst.grace.TTL),
		logging.String(logging.FieldImpact, "provisional access withdrawn until the backend confirms entitlement"),
	)
	if !r.anyActive() {
		r.stopRecheck()
	}
	for _, obs := range r.observers {
		obs.GraceExpired(reason)
	}
}

func (r *Reconciler) anyActive() bool {
	for _, inst := range r.instances {
		if inst.state == StateActive {
			return true
		}
	}
	return false
}

func (r *Reconciler) startRecheck() {
	if r.closed || r.source == nil {
		return
	}
	r.failures = 0
	if r.recheck == nil {
		r.recheck = r.loop.Every(r.opts.RecheckInterval, r.fetch)
	}
	r.fetch()
}

func (r *Reconciler) stopRecheck() {
	if r.recheck != nil {
		r.recheck.Stop()
		r.recheck = nil
	}
	r.generation++
	r.inFlight = false
}

func (r *Reconciler) fetch() {
	if r.closed || r.inFlight || r.source == nil {
		return
	}
	r.inFlight = true
	gen := r.generation
	source := r.source
	timeout := r.opts.FetchTimeout
	r.loop.Go(func() {
		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		active, err := source.Entitled(ctx)
		cancel()
		r.loop.Post(func() { r.complete(gen, active, err) })
	})
}

func (r *Reconciler) complete(gen uint64, active bool, err error) {
	if r.closed || gen != r.generation {
		return
	}
	r.inFlight = false
	if err != nil {
		r.failures++
		r.logger.Debug("entitlement recheck failed",
			logging.Int("consecutive_failures", r.failures),
			logging.Error(err),
		)
		if r.failures >= r.opts.MaxFetchFailures && r.recheck != nil {
			r.stopRecheck()
			logging.WarnWithContext(r.logger, "entitlement recheck abandoned", "grace_recheck_stopped",
				logging.Int("consecutive_failures", r.failures),
				logging.Error(err),
				logging.String(logging.FieldImpact, "open grace windows end at their ttl"),
			)
		}
		return
	}
	r.failures = 0
	r.Observe(active)
}

func (r *Reconciler) persist(g GracePeriod) {
	raw, err := encodeGrace(g)
	if err == nil {
		err = r.store.Set(context.Background(), GraceKey(g.Reason), raw)
	}
	if err != nil {
		r.warnStore("persist grace record", err)
	}
}

func (r *Reconciler) warnStore(op string, err error) {
	logging.WarnWithContext(r.logger, "session store operation failed", "session_store_error",
		logging.String("operation", op),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check session.backend and session.path"),
	)
}
