// Package workflow holds the named steps that follow domain changes: what
// happens when an event is created, a guest is invited or a template is
// submitted for approval.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/dispatch"
	"github.com/lalithlochan/partyline/internal/metrics"
	"github.com/lalithlochan/partyline/internal/provider"
	"github.com/lalithlochan/partyline/internal/sqs"
	"github.com/lalithlochan/partyline/internal/templates"
)

// ErrTemplateDraft is returned when a draft template is submitted.
var ErrTemplateDraft = errors.New("template is a draft")

// Store is the persistence the workflows need.
type Store interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
	CreateEvent(ctx context.Context, event *db.Event, inviteEveryone bool) (int, error)
	GetOrCreateInvitation(ctx context.Context, eventID, personID uuid.UUID) (*db.Invitation, bool, error)
	ListDefaultTemplates(ctx context.Context) ([]*db.MessageTemplate, error)
	ListTemplatesByStatus(ctx context.Context, status string) ([]*db.MessageTemplate, error)
	CreateTemplate(ctx context.Context, t *db.MessageTemplate) (bool, error)
	UpdateTemplateProviderState(ctx context.Context, id uuid.UUID, providerID *string, status string, rejectionReason *string) error
	CreateMessage(ctx context.Context, m *db.Message) (bool, error)
}

// ContentAPI manages provider-approved templates.
type ContentAPI interface {
	CreateContent(ctx context.Context, req provider.ContentRequest) (string, error)
	RequestApproval(ctx context.Context, contentSID, name, category string) error
	FetchApproval(ctx context.Context, contentSID string) (*provider.ApprovalStatus, error)
}

// Dispatcher runs dispatch passes.
type Dispatcher interface {
	Run(ctx context.Context, opts dispatch.Options) (*dispatch.Report, error)
}

// Enqueuer hands dispatch requests to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req sqs.DispatchRequest) (string, error)
}

// Workflows ties the steps together.
type Workflows struct {
	store      Store
	content    ContentAPI
	dispatcher Dispatcher
	queue      Enqueuer
	logger     *zap.Logger

	// inline dispatches started by Invite when there is no queue
	inline chan struct{}
}

// New creates the workflows. content and queue may be nil: without a content
// API templates cannot be submitted, without a queue invitation dispatches
// run in the background of this process.
func New(store Store, content ContentAPI, dispatcher Dispatcher, queue Enqueuer, logger *zap.Logger) *Workflows {
	return &Workflows{
		store:      store,
		content:    content,
		dispatcher: dispatcher,
		queue:      queue,
		logger:     logger,
		inline:     make(chan struct{}, 8),
	}
}

// CreateEvent stores the event, invites everyone unless it is private and
// adds the default messages. Invitations created here do not trigger a
// dispatch each; the scheduler picks the invitation message up.
func (w *Workflows) CreateEvent(ctx context.Context, event *db.Event) (int, error) {
	invited, err := w.store.CreateEvent(ctx, event, !event.Private)
	if err != nil {
		return 0, err
	}

	defaults, err := w.store.ListDefaultTemplates(ctx)
	if err != nil {
		return invited, fmt.Errorf("list default templates: %w", err)
	}
	for _, t := range defaults {
		if _, _, err := w.CreateMessageFromTemplate(ctx, event, t); err != nil {
			return invited, err
		}
	}

	w.logger.Info("event created",
		zap.String("edition", event.Edition),
		zap.Int("invited", invited),
		zap.Int("default_messages", len(defaults)),
	)
	return invited, nil
}

// MessageFromTemplate builds the message t produces for event. The due time
// is the event start minus the template's send delta.
func MessageFromTemplate(event *db.Event, t *db.MessageTemplate) *db.Message {
	m := &db.Message{
		EventID:       event.ID,
		TemplateID:    &t.ID,
		Title:         t.Title,
		Text:          t.Text,
		SendThreshold: t.SendThreshold,
		Draft:         t.Draft,
		Autosend:      t.Autosend,
		Template:      t,
	}
	if t.SendDelta != nil {
		due := event.StartsAt.Add(-*t.SendDelta)
		m.DueAt = &due
	}
	return m
}

// CreateMessageFromTemplate adds the template's message to the event unless
// one with the same title exists.
func (w *Workflows) CreateMessageFromTemplate(ctx context.Context, event *db.Event, t *db.MessageTemplate) (*db.Message, bool, error) {
	m := MessageFromTemplate(event, t)
	created, err := w.store.CreateMessage(ctx, m)
	if err != nil {
		return nil, false, fmt.Errorf("create message from template %s: %w", t.FriendlyName, err)
	}
	return m, created, nil
}

// Invite invites a person to an event. A new invitation triggers a dispatch
// limited to that person, through the queue when one is configured.
func (w *Workflows) Invite(ctx context.Context, eventID, personID uuid.UUID) (*db.Invitation, bool, error) {
	if _, err := w.store.GetEvent(ctx, eventID); err != nil {
		return nil, false, err
	}

	inv, created, err := w.store.GetOrCreateInvitation(ctx, eventID, personID)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return inv, false, nil
	}

	if err := w.triggerDispatch(ctx, eventID, personID); err != nil {
		// the invitation stands; the scheduler will catch up
		w.logger.Error("failed to trigger invitation dispatch",
			zap.String("event_id", eventID.String()),
			zap.String("person_id", personID.String()),
			zap.Error(err),
		)
	}
	return inv, true, nil
}

func (w *Workflows) triggerDispatch(ctx context.Context, eventID, personID uuid.UUID) error {
	if w.queue != nil {
		_, err := w.queue.Enqueue(ctx, sqs.DispatchRequest{
			EventID:    eventID.String(),
			Recipients: []string{personID.String()},
			Reason:     "invitation",
		})
		return err
	}

	select {
	case w.inline <- struct{}{}:
	default:
		return errors.New("too many inline dispatches in flight")
	}
	go func() {
		defer func() { <-w.inline }()

		// detached from the request that created the invitation
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		defer cancel()

		_, err := w.dispatcher.Run(ctx, dispatch.Options{
			EventID:    eventID,
			Recipients: []uuid.UUID{personID},
			Trigger:    "invite",
		})
		if err != nil {
			w.logger.Error("invitation dispatch failed",
				zap.String("event_id", eventID.String()),
				zap.String("person_id", personID.String()),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// SubmitTemplate sends a non-draft template to the content API and requests
// WhatsApp approval. The template moves to PENDING.
func (w *Workflows) SubmitTemplate(ctx context.Context, t *db.MessageTemplate) error {
	if w.content == nil {
		return errors.New("no content API configured")
	}
	if t.Draft {
		return fmt.Errorf("%w: %s", ErrTemplateDraft, t.FriendlyName)
	}

	body, samples := templates.Render(t.Text, t.Variables)
	sid, err := w.content.CreateContent(ctx, provider.ContentRequest{
		FriendlyName: t.FriendlyName,
		Language:     t.Language,
		Body:         body,
		Variables:    samples,
	})
	if err != nil {
		return err
	}

	// keep the SID even if the approval request fails, so it is not created twice
	if err := w.store.UpdateTemplateProviderState(ctx, t.ID, &sid, db.TemplateNotSubmitted, nil); err != nil {
		return err
	}
	t.ProviderID = &sid

	if err := w.content.RequestApproval(ctx, sid, t.FriendlyName, t.Category); err != nil {
		return err
	}
	if err := w.store.UpdateTemplateProviderState(ctx, t.ID, nil, db.TemplatePending, nil); err != nil {
		return err
	}
	t.Status = db.TemplatePending

	w.logger.Info("template submitted for approval",
		zap.String("template", t.FriendlyName),
		zap.String("content_sid", sid),
	)
	return nil
}

// RefreshTemplateApprovals polls the approval state of every pending
// template and stores it. It returns how many templates changed state.
func (w *Workflows) RefreshTemplateApprovals(ctx context.Context) (int, error) {
	if w.content == nil {
		return 0, nil
	}

	pending, err := w.store.ListTemplatesByStatus(ctx, db.TemplatePending)
	if err != nil {
		return 0, err
	}

	changed := 0
	var errs []error
	for _, t := range pending {
		if t.ProviderID == nil {
			continue
		}
		st, err := w.content.FetchApproval(ctx, *t.ProviderID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if st.Status == "" || st.Status == t.Status {
			continue
		}
		if err := w.store.UpdateTemplateProviderState(ctx, t.ID, nil, st.Status, st.RejectionReason); err != nil {
			errs = append(errs, err)
			continue
		}
		changed++
		metrics.RecordTemplateApproval(st.Status)

		fields := []zap.Field{zap.String("template", t.FriendlyName), zap.String("status", st.Status)}
		if st.RejectionReason != nil {
			fields = append(fields, zap.String("reason", *st.RejectionReason))
		}
		w.logger.Info("template approval status changed", fields...)
	}

	return changed, errors.Join(errs...)
}

// SeedTemplates creates the catalog's templates that do not exist yet and
// submits the new non-draft ones.
func (w *Workflows) SeedTemplates(ctx context.Context, seeds []templates.Seed) (int, error) {
	created := 0
	for _, s := range seeds {
		t := &db.MessageTemplate{
			FriendlyName:          s.FriendlyName,
			Language:              s.Language,
			Title:                 s.Title,
			Text:                  s.Text,
			Variables:             s.Variables,
			SendThreshold:         s.Threshold(),
			SendDelta:             s.Delta(),
			Draft:                 s.Draft,
			Autosend:              s.Autosend,
			IsDefaultEventMessage: s.DefaultEventMessage,
			Category:              strings.ToUpper(s.Category),
		}
		ok, err := w.store.CreateTemplate(ctx, t)
		if err != nil {
			return created, err
		}
		if !ok {
			continue
		}
		created++

		if !t.Draft && w.content != nil {
			if err := w.SubmitTemplate(ctx, t); err != nil {
				w.logger.Warn("failed to submit seeded template",
					zap.String("template", t.FriendlyName),
					zap.Error(err),
				)
			}
		}
	}
	return created, nil
}
