package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/dispatch"
	"github.com/lalithlochan/partyline/internal/sqs"
	"github.com/lalithlochan/partyline/internal/workflow"
)

// EventRequest is the body of POST /v1/events
type EventRequest struct {
	Name      string    `json:"name"`
	Edition   string    `json:"edition"`
	StartsAt  time.Time `json:"starts_at"`
	Location  *string   `json:"location,omitempty"`
	Private   bool      `json:"private"`
	MaxPeople int       `json:"max_people"`
}

// DispatchRequest is the body of POST /v1/events/{id}/dispatch. Dry runs are
// the default; set dry_run to false to send.
type DispatchRequest struct {
	DryRun     *bool    `json:"dry_run"`
	Force      bool     `json:"force"`
	MessageIDs []string `json:"message_ids"`
	PersonIDs  []string `json:"person_ids"`
	Async      bool     `json:"async"`
}

// CreateEvent handles POST /v1/events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Edition = strings.TrimSpace(req.Edition)
	if req.Name == "" || req.Edition == "" || req.StartsAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name, edition, and starts_at are required")
		return
	}

	event := &db.Event{
		Name:      req.Name,
		Edition:   req.Edition,
		StartsAt:  req.StartsAt,
		Location:  req.Location,
		Private:   req.Private,
		MaxPeople: req.MaxPeople,
	}

	h.idempotent(w, r, "events", func() response {
		invited, err := h.workflows.CreateEvent(r.Context(), event)
		if err != nil {
			h.logger.Error("failed to create event",
				zap.Error(err),
				zap.String("edition", req.Edition),
			)
			return problem(http.StatusInternalServerError, "database_error", "Failed to create event", "")
		}
		return response{status: http.StatusCreated, body: map[string]any{
			"event":   event,
			"invited": invited,
		}}
	})
}

// Dispatch handles POST /v1/events/{id}/dispatch
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseID(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event ID", "ID must be a valid UUID")
		return
	}

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	messages, err := parseIDs(req.MessageIDs)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message_ids", "message_ids must be valid UUIDs")
		return
	}
	people, err := parseIDs(req.PersonIDs)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid person_ids", "person_ids must be valid UUIDs")
		return
	}
	if req.Async && h.queue == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Asynchronous dispatch is not configured", "")
		return
	}

	dryRun := req.DryRun == nil || *req.DryRun

	h.idempotent(w, r, "dispatch:"+eventID.String(), func() response {
		if req.Async {
			msgID, err := h.queue.Enqueue(r.Context(), sqs.DispatchRequest{
				EventID:    eventID.String(),
				Recipients: req.PersonIDs,
				Messages:   req.MessageIDs,
				Force:      req.Force,
				DryRun:     dryRun,
				Reason:     "api",
			})
			if err != nil {
				h.logger.Error("failed to enqueue dispatch", zap.Error(err), zap.String("event_id", eventID.String()))
				return problem(http.StatusInternalServerError, "enqueue_error", "Failed to enqueue dispatch", "")
			}
			return response{status: http.StatusAccepted, body: map[string]string{
				"event_id":   eventID.String(),
				"message_id": msgID,
			}}
		}

		report, err := h.dispatcher.Run(r.Context(), dispatch.Options{
			EventID:    eventID,
			Recipients: people,
			Messages:   messages,
			Force:      req.Force,
			DryRun:     dryRun,
			Trigger:    "api",
		})
		switch {
		case errors.Is(err, db.ErrNotFound), errors.Is(err, dispatch.ErrNoEvent):
			return problem(http.StatusNotFound, "not_found", "Not found", err.Error())
		case errors.Is(err, dispatch.ErrEventClosed):
			return problem(http.StatusConflict, "event_closed", "Event is closed", "")
		case err != nil:
			h.logger.Error("dispatch failed", zap.Error(err), zap.String("event_id", eventID.String()))
			return problem(http.StatusInternalServerError, "dispatch_error", "Dispatch failed", "")
		}
		return response{status: http.StatusOK, body: report}
	})
}

// Invite handles POST /v1/events/{id}/invitations/{personID}
func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseID(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event ID", "ID must be a valid UUID")
		return
	}
	personID, ok := parseID(r, "personID")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid person ID", "ID must be a valid UUID")
		return
	}

	inv, created, err := h.workflows.Invite(r.Context(), eventID, personID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Event or person not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to invite",
			zap.Error(err),
			zap.String("event_id", eventID.String()),
			zap.String("person_id", personID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create invitation", "")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.write(w, response{status: status, body: inv})
}

// SubmitTemplate handles POST /v1/templates/{id}/submit
func (h *Handler) SubmitTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template ID", "ID must be a valid UUID")
		return
	}

	t, err := h.repo.GetTemplate(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get template", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load template", "")
		return
	}

	if err := h.workflows.SubmitTemplate(r.Context(), t); err != nil {
		if errors.Is(err, workflow.ErrTemplateDraft) {
			h.writeError(w, http.StatusConflict, "template_draft", "Draft templates cannot be submitted", "")
			return
		}
		h.logger.Error("failed to submit template", zap.Error(err), zap.String("template", t.FriendlyName))
		h.writeError(w, http.StatusBadGateway, "provider_error", "Failed to submit template", err.Error())
		return
	}

	h.write(w, response{status: http.StatusOK, body: t})
}
