// Package dispatch crosses the due messages of an event with its eligible
// recipients and delivers each pair at most once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/metrics"
	"github.com/lalithlochan/partyline/internal/provider"
	"github.com/lalithlochan/partyline/internal/redis"
	"github.com/lalithlochan/partyline/internal/schedule"
	"github.com/lalithlochan/partyline/internal/templates"
)

var (
	// ErrNoEvent is returned when no event was given and none is upcoming.
	ErrNoEvent = errors.New("no upcoming open event")

	// ErrEventClosed is returned for dispatches against a closed event.
	ErrEventClosed = errors.New("event is closed")
)

// Store reads the event, its messages and its invitees.
type Store interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
	NextOpenEvent(ctx context.Context, now time.Time) (*db.Event, error)
	ListMessages(ctx context.Context, eventID uuid.UUID) ([]*db.Message, error)
	ListInvitees(ctx context.Context, eventID uuid.UUID) ([]*db.Invitee, error)
}

// Ledger records delivery attempts.
type Ledger interface {
	HasDelivered(ctx context.Context, key db.DeliveryKey) (bool, error)
	RecordSuccess(ctx context.Context, key db.DeliveryKey, providerID string, forced bool) (*db.Delivery, error)
	RecordFailure(ctx context.Context, key db.DeliveryKey, errMsg string) (*db.Delivery, error)
	FailureCount(ctx context.Context, key db.DeliveryKey) (int, error)
	GetDeliveries(ctx context.Context, ids []uuid.UUID) ([]*db.Delivery, error)
}

// Claimer reserves a delivery key across concurrent runs.
type Claimer interface {
	Claim(ctx context.Context, key string) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Config holds dispatcher settings.
type Config struct {
	PublicURL         string        // base of the personal deep links
	StatusCallbackURL string        // provider status webhook
	Channel           string        // default delivery channel
	Concurrency       int           // recipients processed in parallel
	SendTimeout       time.Duration // per provider call
	MaxFailedAttempts int           // 0 retries forever
	SilenceWindow     time.Duration
	WaitDelay         time.Duration
	Now               func() time.Time
}

// Options narrows a single run.
type Options struct {
	EventID    uuid.UUID   // uuid.Nil picks the next open event
	Recipients []uuid.UUID // person IDs, empty means everyone eligible
	Messages   []uuid.UUID // message IDs, empty means whatever is due
	Force      bool        // resend pairs that were already delivered
	DryRun     bool
	Wait       bool          // reload the created records after Refresh
	Refresh    time.Duration // defaults to Config.WaitDelay
	Channel    string
	Trigger    string // metrics label: scheduler, api, cli, invite, queue
}

// Report summarises a run.
type Report struct {
	EventID       uuid.UUID      `json:"event_id"`
	Edition       string         `json:"edition"`
	DryRun        bool           `json:"dry_run"`
	Messages      int            `json:"messages"`
	Recipients    int            `json:"recipients"`
	Planned       int            `json:"planned"`
	Sent          int            `json:"sent"`
	AlreadySent   int            `json:"already_sent"`
	Silenced      int            `json:"silenced"`
	GaveUp        int            `json:"gave_up"`
	Suppressed    int            `json:"suppressed"`
	Failed        int            `json:"failed"`
	Misconfigured int            `json:"misconfigured"`
	Deliveries    []*db.Delivery `json:"deliveries"`
}

// Dispatcher runs dispatch passes.
type Dispatcher struct {
	store  Store
	ledger Ledger
	sender provider.Sender
	claims Claimer
	cfg    Config
	logger *zap.Logger
}

// New creates a dispatcher. claims may be nil, in which case the ledger's
// unique index alone settles concurrent runs.
func New(store Store, ledger Ledger, sender provider.Sender, claims Claimer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = db.ChannelWhatsApp
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	return &Dispatcher{
		store:  store,
		ledger: ledger,
		sender: sender,
		claims: claims,
		cfg:    cfg,
		logger: logger,
	}
}

// job is a due message ready to be rendered.
type job struct {
	msg      *db.Message
	template *db.MessageTemplate // approved template, nil for plain text
}

// run carries the state shared by the goroutines of one pass.
type run struct {
	opts    Options
	event   *db.Event
	now     time.Time
	channel string

	mu     sync.Mutex
	report *Report
}

func (r *run) count(outcome string, d *db.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch outcome {
	case metrics.OutcomeSent:
		r.report.Sent++
	case metrics.OutcomeDryRun:
		r.report.Planned++
	case metrics.OutcomeConflict, metrics.OutcomeHeld:
		r.report.AlreadySent++
	case metrics.OutcomeSkipped:
		r.report.Silenced++
	case metrics.OutcomeGaveUp:
		r.report.GaveUp++
	case outcomeSuppressed:
		r.report.Suppressed++
	case metrics.OutcomeFailed:
		r.report.Failed++
	}
	if d != nil {
		r.report.Deliveries = append(r.report.Deliveries, d)
	}
	metrics.RecordDelivery(outcome, r.channel)
}

const outcomeSuppressed = "suppressed"

// Run performs one dispatch pass. Individual send failures are recorded in
// the ledger and counted in the report; only lookups that prevent the pass
// from starting are returned as errors.
func (d *Dispatcher) Run(ctx context.Context, opts Options) (*Report, error) {
	report, err := d.run(ctx, opts)

	result := "ok"
	if err != nil {
		result = "error"
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	metrics.RecordDispatchRun(trigger, result)

	return report, err
}

func (d *Dispatcher) run(ctx context.Context, opts Options) (*Report, error) {
	now := d.cfg.Now()

	event, err := d.resolveEvent(ctx, opts.EventID, now)
	if err != nil {
		return nil, err
	}

	msgs, err := d.store.ListMessages(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := requireIDs(opts.Messages, msgs, func(m *db.Message) uuid.UUID { return m.ID }, "message"); err != nil {
		return nil, err
	}

	invitees, err := d.store.ListInvitees(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("list invitees: %w", err)
	}
	if err := requireIDs(opts.Recipients, invitees, func(i *db.Invitee) uuid.UUID { return i.Person.ID }, "person"); err != nil {
		return nil, err
	}

	channel := opts.Channel
	if channel == "" {
		channel = d.cfg.Channel
	}

	r := &run{
		opts:    opts,
		event:   event,
		now:     now,
		channel: channel,
		report: &Report{
			EventID: event.ID,
			Edition: event.Edition,
			DryRun:  opts.DryRun,
		},
	}

	jobs := d.prepare(schedule.DueMessages(msgs, now, opts.Messages), r)
	recipients := schedule.Recipients(invitees, opts.Recipients)
	r.report.Messages = len(jobs)
	r.report.Recipients = len(recipients)

	d.logger.Info("dispatch started",
		zap.String("event", event.Edition),
		zap.Int("messages", len(jobs)),
		zap.Int("recipients", len(recipients)),
		zap.Bool("dry_run", opts.DryRun),
		zap.Bool("force", opts.Force),
	)

	if len(jobs) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.Concurrency)
		for _, rcpt := range recipients {
			g.Go(func() error {
				for _, j := range jobs {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					d.deliver(gctx, r, rcpt, j)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return r.report, fmt.Errorf("dispatch interrupted: %w", err)
		}
	}

	if opts.Wait && !opts.DryRun && len(r.report.Deliveries) > 0 {
		d.refresh(ctx, r.report, opts.Refresh)
	}

	d.logger.Info("dispatch finished",
		zap.String("event", event.Edition),
		zap.Int("sent", r.report.Sent),
		zap.Int("already_sent", r.report.AlreadySent),
		zap.Int("silenced", r.report.Silenced),
		zap.Int("failed", r.report.Failed),
		zap.Int("planned", r.report.Planned),
	)
	return r.report, nil
}

func (d *Dispatcher) resolveEvent(ctx context.Context, id uuid.UUID, now time.Time) (*db.Event, error) {
	if id == uuid.Nil {
		event, err := d.store.NextOpenEvent(ctx, now)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNoEvent
		}
		if err != nil {
			return nil, fmt.Errorf("next event: %w", err)
		}
		return event, nil
	}

	event, err := d.store.GetEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", id, err)
	}
	if event.Closed {
		return nil, fmt.Errorf("%w: %s", ErrEventClosed, event.Edition)
	}
	return event, nil
}

// requireIDs fails with db.ErrNotFound when a filter names an ID that is not
// among items.
func requireIDs[T any](filter []uuid.UUID, items []T, id func(T) uuid.UUID, kind string) error {
	if len(filter) == 0 {
		return nil
	}
	known := make(map[uuid.UUID]struct{}, len(items))
	for _, it := range items {
		known[id(it)] = struct{}{}
	}
	for _, f := range filter {
		if _, ok := known[f]; !ok {
			return fmt.Errorf("%s %s: %w", kind, f, db.ErrNotFound)
		}
	}
	return nil
}

// prepare drops messages that cannot be rendered for anyone: a template that
// is not approved yet, or a body with an unknown placeholder.
func (d *Dispatcher) prepare(due []*db.Message, r *run) []job {
	probe := map[string]string{"name": "", "party": "", "url": ""}

	jobs := make([]job, 0, len(due))
	for _, m := range due {
		if m.TemplateID != nil && m.Template != nil {
			if !m.Template.Approved() {
				d.logger.Warn("skipping message: template not approved",
					zap.String("message", m.Title),
					zap.String("template", m.Template.FriendlyName),
					zap.String("status", m.Template.Status),
				)
				r.report.Misconfigured++
				continue
			}
			jobs = append(jobs, job{msg: m, template: m.Template})
			continue
		}

		if _, err := templates.Format(m.Text, probe); err != nil {
			d.logger.Warn("skipping message: body does not render",
				zap.String("message", m.Title),
				zap.Error(err),
			)
			r.report.Misconfigured++
			continue
		}
		jobs = append(jobs, job{msg: m})
	}
	return jobs
}

// Variables are the values every message body may use.
func (d *Dispatcher) Variables(event *db.Event, person *db.Person) map[string]string {
	return map[string]string{
		"name":  person.FirstName,
		"party": event.Name,
		"url":   d.PersonalURL(event, person.ID),
	}
}

// PersonalURL is the recipient's deep link to the event page.
func (d *Dispatcher) PersonalURL(event *db.Event, personID uuid.UUID) string {
	return fmt.Sprintf("%s/party/%s?visitor_id=%s", d.cfg.PublicURL, url.PathEscape(event.Edition), personID)
}

// render builds the outbound message for one recipient.
func (d *Dispatcher) render(j job, vars map[string]string) (provider.Outbound, error) {
	if j.template == nil {
		body, err := templates.Format(j.msg.Text, vars)
		if err != nil {
			return provider.Outbound{}, err
		}
		return provider.Outbound{Body: body}, nil
	}

	merged := make(map[string]string, len(j.template.Variables)+len(vars))
	for k, v := range j.template.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	positional, values := templates.Render(j.template.Text, merged)

	return provider.Outbound{
		Body:       templates.Substitute(positional, values),
		ContentSID: *j.template.ProviderID,
		Variables:  values,
	}, nil
}

func claimKey(k db.DeliveryKey) string {
	return fmt.Sprintf("%s:%s:%s:%s", k.MessageID, k.EventID, k.PersonID, k.Channel)
}

// deliver handles one (recipient, message) pair. Whatever happens is logged
// and counted; nothing escapes to abort the batch.
func (d *Dispatcher) deliver(ctx context.Context, r *run, rcpt schedule.Recipient, j job) {
	person := rcpt.Person
	key := db.DeliveryKey{
		MessageID: j.msg.ID,
		EventID:   r.event.ID,
		PersonID:  person.ID,
		Channel:   r.channel,
	}
	log := d.logger.With(
		zap.String("event", r.event.Edition),
		zap.String("message", j.msg.Title),
		zap.String("person", person.ID.String()),
	)

	delivered, err := d.ledger.HasDelivered(ctx, key)
	if err != nil {
		log.Error("ledger lookup failed", zap.Error(err))
		r.count(metrics.OutcomeFailed, nil)
		return
	}
	if delivered && !r.opts.Force {
		log.Debug("skipping: already sent")
		r.count(metrics.OutcomeConflict, nil)
		return
	}

	if !j.msg.IsInvitation() && rcpt.Status == db.RSVPUnset &&
		schedule.WithinSilenceWindow(r.event, r.now, d.cfg.SilenceWindow) {
		log.Debug("skipping: no RSVP and the event is close")
		r.count(metrics.OutcomeSkipped, nil)
		return
	}

	if d.cfg.MaxFailedAttempts > 0 {
		failures, err := d.ledger.FailureCount(ctx, key)
		if err != nil {
			log.Error("failure count lookup failed", zap.Error(err))
			r.count(metrics.OutcomeFailed, nil)
			return
		}
		if failures >= d.cfg.MaxFailedAttempts {
			log.Warn("skipping: retry limit reached", zap.Int("failures", failures))
			r.count(metrics.OutcomeGaveUp, nil)
			return
		}
	}

	phone, _ := schedule.NormalizePhone(*person.PhoneNumber)

	if r.opts.DryRun {
		log.Info("dry run: would send", zap.String("to", phone))
		r.count(metrics.OutcomeDryRun, nil)
		return
	}

	out, err := d.render(j, d.Variables(r.event, person))
	if err != nil {
		log.Warn("skipping: render failed", zap.Error(err))
		r.count(metrics.OutcomeFailed, nil)
		return
	}
	out.Channel = r.channel
	out.To = phone
	out.StatusCallbackURL = d.cfg.StatusCallbackURL

	var token string
	if d.claims != nil {
		token, err = d.claims.Claim(ctx, claimKey(key))
		switch {
		case errors.Is(err, redis.ErrClaimHeld):
			log.Info("skipping: another run is delivering")
			r.count(metrics.OutcomeHeld, nil)
			return
		case err != nil:
			// the ledger index still prevents a second success
			log.Warn("claim unavailable, continuing without", zap.Error(err))
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := time.Now()
	res, sendErr := d.sender.Send(sendCtx, out)
	cancel()
	metrics.RecordSendDuration(r.channel, time.Since(start))

	// the attempt happened; record it even if the run is being cancelled
	wctx := context.WithoutCancel(ctx)

	if sendErr != nil {
		if token != "" {
			if err := d.claims.Release(wctx, claimKey(key), token); err != nil {
				log.Warn("failed to release claim", zap.Error(err))
			}
		}
		if errors.Is(sendErr, provider.ErrSuppressed) {
			log.Info("skipping: recipient suppressed", zap.String("to", phone))
			r.count(outcomeSuppressed, nil)
			return
		}

		log.Error("send failed", zap.String("to", phone), zap.Error(sendErr))
		rec, err := d.ledger.RecordFailure(wctx, key, sendErr.Error())
		if err != nil {
			log.Error("failed to record failure", zap.Error(err))
		}
		r.count(metrics.OutcomeFailed, rec)
		return
	}

	rec, err := d.ledger.RecordSuccess(wctx, key, res.ProviderID, delivered)
	switch {
	case errors.Is(err, db.ErrAlreadyDelivered):
		log.Warn("concurrent run recorded the delivery first", zap.String("provider_id", res.ProviderID))
		r.count(metrics.OutcomeConflict, nil)
	case err != nil:
		log.Error("message sent but not recorded",
			zap.String("provider_id", res.ProviderID),
			zap.Error(err),
		)
		r.count(metrics.OutcomeSent, nil)
	default:
		log.Info("message sent", zap.String("to", phone), zap.String("provider_id", res.ProviderID))
		r.count(metrics.OutcomeSent, rec)
	}
}

// refresh waits for provider callbacks to land and logs the latest status of
// the records this run created.
func (d *Dispatcher) refresh(ctx context.Context, report *Report, delay time.Duration) {
	if delay <= 0 {
		delay = d.cfg.WaitDelay
	}

	d.logger.Info("waiting for delivery statuses", zap.Duration("delay", delay))
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	ids := make([]uuid.UUID, 0, len(report.Deliveries))
	for _, rec := range report.Deliveries {
		ids = append(ids, rec.ID)
	}
	fresh, err := d.ledger.GetDeliveries(ctx, ids)
	if err != nil {
		d.logger.Warn("failed to refresh delivery statuses", zap.Error(err))
		return
	}

	for _, rec := range fresh {
		status := "unknown"
		if rec.Status != nil {
			status = *rec.Status
		}
		d.logger.Info("delivery status",
			zap.String("person", rec.PersonID.String()),
			zap.String("status", status),
			zap.Bool("error", rec.Error),
		)
	}
	report.Deliveries = fresh
}
