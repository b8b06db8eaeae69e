package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"raven/internal/config"
	"raven/internal/domain"
	"raven/internal/domain/models/llm"
	llmSvc "raven/internal/domain/services/llm"
	"raven/internal/handler/sse"
	"raven/internal/httputil"
	"raven/internal/service/llm/orchestrator"
	"raven/internal/service/llm/streaming"
)

// TrackedRun is the view of a run the API exposes.
type TrackedRun interface {
	Snapshot() orchestrator.RunSnapshot
	Events() *streaming.EventLog
	Done() <-chan struct{}
}

// RunTracker finds and interrupts runs by ID.
type RunTracker interface {
	Lookup(runID string) (TrackedRun, error)
	Interrupt(runID string) error
}

// DispatcherTracker exposes the dispatcher's run registry as a RunTracker.
func DispatcherTracker(d *orchestrator.Dispatcher) RunTracker {
	return dispatcherRuns{d}
}

type dispatcherRuns struct {
	*orchestrator.Dispatcher
}

func (d dispatcherRuns) Lookup(runID string) (TrackedRun, error) {
	run, err := d.Run(runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RunHandler serves the message, run and conversation endpoints.
// Every endpoint acts for the author placed in the context by the auth middleware.
type RunHandler struct {
	runs    llmSvc.RunService
	tracker RunTracker
	sse     *sse.Config
	logger  *slog.Logger
}

// NewRunHandler creates a run handler. A nil sseConfig uses sse.DefaultConfig.
func NewRunHandler(runs llmSvc.RunService, tracker RunTracker, sseConfig *sse.Config, logger *slog.Logger) *RunHandler {
	if sseConfig == nil {
		sseConfig = sse.DefaultConfig()
	}
	return &RunHandler{
		runs:    runs,
		tracker: tracker,
		sse:     sseConfig,
		logger:  logger,
	}
}

// Register adds the handler's routes to mux.
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/messages", h.SubmitMessage)
	mux.HandleFunc("GET /api/runs/{id}", h.GetRun)
	mux.HandleFunc("POST /api/runs/{id}/interrupt", h.InterruptRun)
	mux.HandleFunc("GET /api/runs/{id}/events", h.StreamEvents)
	mux.HandleFunc("POST /api/conversations/{id}/cancel", h.CancelConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", h.ClearConversation)
}

// messagePartRequest is one content part as sent over HTTP. Binary data is
// base64 in JSON.
type messagePartRequest struct {
	Type     string  `json:"type"`
	Text     *string `json:"text,omitempty"`
	Data     []byte  `json:"data,omitempty"`
	MimeType string  `json:"mime_type,omitempty"`
	Name     *string `json:"name,omitempty"`
}

func (p messagePartRequest) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Type, validation.Required, validation.In("text", "image", "file")),
		validation.Field(&p.Text, validation.When(p.Type == "text", validation.Required)),
		validation.Field(&p.Data, validation.When(p.Type == "image" || p.Type == "file", validation.Required)),
	)
}

func (p messagePartRequest) toPart(order int) llm.ContentPart {
	if p.Type == "text" {
		return llm.NewTextPart(order, *p.Text)
	}

	mimeType := p.MimeType
	if mimeType == "" {
		name := ""
		if p.Name != nil {
			name = *p.Name
		}
		mimeType = llm.DetectMimeType(name, p.Data)
	}
	if p.Type == "image" {
		return llm.NewImagePart(order, p.Data, mimeType)
	}
	return llm.NewFilePart(order, p.Data, mimeType, p.Name)
}

type submitMessageRequest struct {
	ConversationID string               `json:"conversation_id"`
	Parts          []messagePartRequest `json:"parts"`
	Edited         bool                 `json:"edited,omitempty"`
}

func (r submitMessageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ConversationID, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Parts, validation.Required, validation.Length(1, config.MaxPartsPerMessage)),
	)
}

// SubmitMessage queues a message and starts a run for it
// POST /api/messages
// Returns 202 with the run ID and its event stream URL
func (h *RunHandler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitMessageRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		handleError(w, err)
		return
	}

	parts := make([]llm.ContentPart, len(req.Parts))
	for i, p := range req.Parts {
		parts[i] = p.toPart(i)
	}

	result, err := h.runs.Submit(r.Context(), &llmSvc.InboundRequest{
		ConversationID: req.ConversationID,
		AuthorID:       httputil.AuthorID(r),
		Parts:          parts,
		Edited:         req.Edited,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusAccepted, result)
}

// GetRun returns a run's status
// GET /api/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}
	httputil.RespondJSON(w, http.StatusOK, run.Snapshot())
}

// InterruptRun cancels a run. Its content stays queued for the next message.
// POST /api/runs/{id}/interrupt
func (h *RunHandler) InterruptRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}

	snap := run.Snapshot()
	if err := h.tracker.Interrupt(snap.ID); err != nil {
		handleError(w, err)
		return
	}

	h.logger.Info("run interrupted via API",
		"run_id", snap.ID,
		"conversation_id", snap.ConversationID,
	)
	httputil.RespondJSON(w, http.StatusOK, run.Snapshot())
}

// StreamEvents streams a run's events over SSE until the run has returned
// GET /api/runs/{id}/events
// Reconnecting clients send Last-Event-ID (or ?after=) to skip events they have.
func (h *RunHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}

	after, err := lastEventID(r)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	writer, ok := sse.NewWriter(w)
	if !ok {
		httputil.RespondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	runID := run.Snapshot().ID
	keepAlive := sse.NewTickerKeepAlive(h.sse.KeepAliveInterval)
	clientGone := keepAlive.Start(writer, h.logger)
	defer keepAlive.Stop()

	poll := time.NewTicker(h.sse.PollInterval)
	defer poll.Stop()

	flush := func() bool {
		for _, event := range run.Events().Events(after) {
			if err := writer.WriteEvent(event.Seq, event.Type, event.Data); err != nil {
				h.logger.Debug("sse client disconnected",
					"run_id", runID,
					"error", err,
				)
				return false
			}
			after = event.Seq
		}
		return true
	}

	for {
		if !flush() {
			return
		}
		select {
		case <-run.Done():
			// Events published right before the run returned
			flush()
			return
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case <-poll.C:
		}
	}
}

// CancelConversation interrupts the live run and drops queued content
// POST /api/conversations/{id}/cancel
func (h *RunHandler) CancelConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := PathParam(w, r, "id", "Conversation ID")
	if !ok {
		return
	}

	if err := h.runs.Cancel(r.Context(), conversationID, httputil.AuthorID(r)); err != nil {
		handleError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": orchestrator.StatusCancelled})
}

// ClearConversation cancels and deletes the conversation's history and memory
// DELETE /api/conversations/{id}
func (h *RunHandler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := PathParam(w, r, "id", "Conversation ID")
	if !ok {
		return
	}

	if err := h.runs.Clear(r.Context(), conversationID, httputil.AuthorID(r)); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedRun loads the run named in the path. Runs of other authors are
// reported as missing.
func (h *RunHandler) ownedRun(w http.ResponseWriter, r *http.Request) (TrackedRun, bool) {
	runID, ok := PathParam(w, r, "id", "Run ID")
	if !ok {
		return nil, false
	}

	run, err := h.tracker.Lookup(runID)
	if err != nil {
		handleError(w, err)
		return nil, false
	}
	if run.Snapshot().AuthorID != httputil.AuthorID(r) {
		handleError(w, &domain.NotFoundError{Message: fmt.Sprintf("run %s not found", runID)})
		return nil, false
	}
	return run, true
}

func lastEventID(r *http.Request) (int, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid event ID %q", raw)
	}
	return id, nil
}
