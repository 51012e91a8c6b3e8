package workflow

import (
	"context"
	"io"
	"log/slog"
	"time"

	"parsewatch/internal/activation"
	"parsewatch/internal/backend"
	"parsewatch/internal/config"
	"parsewatch/internal/eventloop"
	"parsewatch/internal/expiry"
	"parsewatch/internal/jobs"
	"parsewatch/internal/logging"
	"parsewatch/internal/notifications"
	"parsewatch/internal/poller"
	"parsewatch/internal/quota"
	"parsewatch/internal/session"
)

// DefaultResumeInterval is how often deadlines are re-evaluated against the
// wall clock, which catches boundaries missed while the host slept.
const DefaultResumeInterval = 30 * time.Second

// Client is the backend surface the coordinator drives.
type Client interface {
	poller.Lister
	Upload(ctx context.Context, filename string, content io.Reader) (backend.UploadAck, error)
	GetJob(ctx context.Context, id string) (jobs.Snapshot, error)
	Results(ctx context.Context, id string, limit int) (backend.Results, error)
	Download(ctx context.Context, id string, w io.Writer) (int64, string, error)
	Delete(ctx context.Context, id string) error
	Entitlement(ctx context.Context) (backend.Entitlement, error)
}

// Options configures a Coordinator.
type Options struct {
	Poller         poller.Options
	Expiry         expiry.Options
	Activation     activation.Options
	RequestTimeout time.Duration
	// ResumeInterval re-evaluates deadlines periodically; zero disables.
	ResumeInterval time.Duration
	Store          session.Store
	Notifier       notifications.Service
	Logger         *slog.Logger
}

// OptionsFromConfig maps configuration onto coordinator options.
func OptionsFromConfig(cfg *config.Config, store session.Store, notifier notifications.Service, logger *slog.Logger) Options {
	return Options{
		Poller: poller.Options{
			Interval:          cfg.PollInterval(),
			Timeout:           cfg.RequestTimeout(),
			MaxSilentFailures: cfg.Polling.MaxSilentFailures,
			AdoptUnknown:      cfg.Polling.AdoptUnknown,
			Logger:            logger,
		},
		Expiry: expiry.Options{
			WarningThreshold:      cfg.WarningThreshold(),
			Retention:             cfg.Retention(),
			DeriveMissingDeadline: cfg.Expiration.DeriveMissingDeadline,
			Logger:                logger,
		},
		Activation: activation.Options{
			PostRegistrationTTL: cfg.PostRegistrationTTL(),
			PostPaymentTTL:      cfg.PostPaymentTTL(),
			RecheckInterval:     cfg.RecheckInterval(),
			FetchTimeout:        cfg.RequestTimeout(),
			MaxFetchFailures:    cfg.Activation.MaxFetchFailures,
			Logger:              logger,
		},
		RequestTimeout: cfg.RequestTimeout(),
		ResumeInterval: DefaultResumeInterval,
		Store:          store,
		Notifier:       notifier,
		Logger:         logger,
	}
}

// Coordinator ties the lifecycle components together on one loop.
type Coordinator struct {
	loop     eventloop.Loop
	client   Client
	opts     Options
	logger   *slog.Logger
	notifier notifications.Service

	poller     *poller.Poller
	tracker    *expiry.Tracker
	guard      *quota.Guard
	reconciler *activation.Reconciler

	expired   map[string]time.Time
	finished  map[string]bool
	listeners []func(Event)

	quotaInFlight bool
	resume        eventloop.Timer
	started       bool
	closed        bool
}

// New builds and wires the components. It schedules nothing; call Start.
func New(loop eventloop.Loop, client Client, opts Options) *Coordinator {
	if opts.Notifier == nil {
		opts.Notifier = notifications.NewService(nil)
	}
	c := &Coordinator{
		loop:     loop,
		client:   client,
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "workflow"),
		notifier: opts.Notifier,
		guard:    quota.NewGuard(opts.Logger),
		expired:  make(map[string]time.Time),
		finished: make(map[string]bool),
	}
	c.poller = poller.New(loop, client, opts.Poller)
	c.poller.Subscribe(c)
	c.tracker = expiry.NewTracker(loop, opts.Expiry)
	c.tracker.OnEvent(c.onExpiry)
	c.reconciler = activation.New(loop, opts.Store, activation.EntitlementFunc(c.fetchEntitlement), opts.Activation)
	c.reconciler.Subscribe(activation.ObserverFuncs{
		OnGraceExpired: c.onGraceExpired,
		OnConfirmed:    c.onGraceConfirmed,
	})
	return c
}

// Subscribe registers fn for coordinator events. Call it before Start or from
// a loop callback; fn runs on the loop.
func (c *Coordinator) Subscribe(fn func(Event)) {
	if fn != nil {
		c.listeners = append(c.listeners, fn)
	}
}

// Start restores persisted activation state and arms the resume check.
func (c *Coordinator) Start(ctx context.Context) error {
	var restoreErr error
	if err := c.call(ctx, func() {
		if c.started || c.closed {
			return
		}
		c.started = true
		restoreErr = c.reconciler.Restore()
		if c.opts.ResumeInterval > 0 {
			c.resume = c.loop.Every(c.opts.ResumeInterval, c.tracker.Resume)
		}
	}); err != nil {
		return err
	}
	if restoreErr != nil {
		logging.WarnWithContext(c.logger, "activation state not restored", "grace_restore_failed",
			logging.Error(restoreErr),
			logging.String(logging.FieldImpact, "provisional access from a previous run is ignored"),
		)
	}
	return nil
}

// Close tears every component down. Pending fetch results are discarded.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.call(ctx, c.closeOnLoop)
}

func (c *Coordinator) closeOnLoop() {
	if c.closed {
		return
	}
	c.closed = true
	if c.resume != nil {
		c.resume.Stop()
		c.resume = nil
	}
	c.poller.Close()
	c.tracker.Close()
	c.reconciler.Close()
}

func (c *Coordinator) call(ctx context.Context, fn func()) error {
	return eventloop.Call(ctx, c.loop, fn)
}

func (c *Coordinator) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.loop.Now()
	}
	for _, fn := range c.listeners {
		fn(ev)
	}
}

func (c *Coordinator) publish(event notifications.Event, payload notifications.Payload) {
	notifier := c.notifier
	timeout := c.opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := c.logger
	c.loop.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := notifier.Publish(ctx, event, payload); err != nil {
			logging.WarnWithContext(logger, "notification failed", "notification_failed",
				logging.String("notification", string(event)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			)
		}
	})
}

func jobPayload(job jobs.Job) notifications.Payload {
	payload := notifications.Payload{"jobID": job.ID, "filename": job.Filename}
	if job.Result != nil {
		payload["totalRows"] = job.Result.TotalRows
		payload["successfulParses"] = job.Result.SuccessfulParses
		payload["failedParses"] = job.Result.FailedParses
	}
	if job.Error != nil {
		payload["error"] = job.Error.Message
	}
	return payload
}
