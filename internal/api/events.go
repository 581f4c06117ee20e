package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/triage-ai/rampart/internal/chread"
	"go.uber.org/zap"
)

// EventListResp is a page of stored inspection events.
type EventListResp struct {
	Events   []chread.EventRow `json:"events"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// GET /v1/events?verdict=&kind=&key_id=&user_id=&guard=&start_time=&end_time=&page=&page_size=
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := chread.ListEventsParams{
		Verdict: q.Get("verdict"),
		Kind:    q.Get("kind"),
		KeyID:   q.Get("key_id"),
		UserID:  q.Get("user_id"),
		Guard:   q.Get("guard"),
	}

	var err error
	if params.Page, err = queryInt(q, "page", 1); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if params.PageSize, err = queryInt(q, "page_size", chread.DefaultPageSize); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if params.StartTime, err = queryTime(q, "start_time"); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if params.EndTime, err = queryTime(q, "end_time"); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	params.Normalize()

	events, total, err := d.Events.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}
	if events == nil {
		events = []chread.EventRow{}
	}

	writeJSON(w, http.StatusOK, EventListResp{
		Events:   events,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

// GET /v1/events/{request_id}
func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := d.Events.GetEvent(r.Context(), r.PathValue("request_id"))
	if err != nil {
		d.Logger.Error("failed to get event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get event"})
		return
	}
	if event == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found."})
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// GET /v1/analytics?days=N
func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r.URL.Query(), "days", 7)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	result, err := d.Events.GetAnalytics(r.Context(), chread.ClampDays(days))
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type queryError struct{ name, want string }

func (e *queryError) Error() string { return e.name + " must be " + e.want }

func queryInt(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &queryError{name, "an integer"}
	}
	return n, nil
}

func queryTime(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &queryError{name, "an RFC 3339 timestamp"}
	}
	return &t, nil
}
