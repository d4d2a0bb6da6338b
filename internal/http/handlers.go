package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/driftmark/mailcast/internal/core"
	"github.com/driftmark/mailcast/internal/scheduler"
)

type Server struct {
	Store  *core.Store
	Engine *scheduler.Engine
}

func NewServer(store *core.Store, engine *scheduler.Engine) *Server {
	return &Server{Store: store, Engine: engine}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	r.Post("/contacts", s.createContact)
	r.Post("/smtp-configs", s.createSMTPConfig)
	r.Post("/campaigns", s.createCampaign)
	r.Get("/campaigns/{id}", s.getCampaign)
	r.Get("/campaigns/{id}/recipients", s.listRecipients)
	r.Get("/unsubscribe", s.unsubscribe)

	s.mountHealth(r)
	s.mountMetrics(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) createContact(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	c, err := s.Store.CreateContact(r.Context(), in.Email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) createSMTPConfig(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Host == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if in.Port == 0 {
		in.Port = 587
	}
	id, err := s.Store.CreateSMTPConfig(r.Context(), core.SMTPConfig{
		Host: in.Host, Port: in.Port, Username: in.Username, Password: in.Password,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

type campaignRequest struct {
	Subject       string             `json:"subject"`
	Body          string             `json:"body"`
	FromName      string             `json:"from_name"`
	FromAddress   string             `json:"from_address"`
	ReplyTo       string             `json:"reply_to"`
	CC            []string           `json:"cc"`
	BCC           []string           `json:"bcc"`
	SendType      string             `json:"send_type"`
	ScheduledAt   *time.Time         `json:"scheduled_at"`
	Timezone      string             `json:"timezone"`
	RecurringRule string             `json:"recurring_rule"`
	Footers       []core.FooterBlock `json:"footers"`
	Transport     string             `json:"transport"`
	SMTPConfigID  *uuid.UUID         `json:"smtp_config_id"`
	ContactIDs    []uuid.UUID        `json:"contact_ids"`
	Draft         bool               `json:"draft"`
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if in.Subject == "" || in.Body == "" || in.FromAddress == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_fields"})
		return
	}
	if in.SendType == "" {
		in.SendType = core.SendImmediate
	}
	if in.SendType == core.SendScheduled && in.ScheduledAt == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "scheduled_at_required"})
		return
	}

	c, err := s.Store.CreateCampaign(r.Context(), core.CreateCampaignRequest{
		Subject:       in.Subject,
		Body:          in.Body,
		FromName:      in.FromName,
		FromAddress:   in.FromAddress,
		ReplyTo:       in.ReplyTo,
		CC:            in.CC,
		BCC:           in.BCC,
		SendType:      in.SendType,
		ScheduledAt:   in.ScheduledAt,
		Timezone:      in.Timezone,
		RecurringRule: in.RecurringRule,
		Footers:       in.Footers,
		Transport:     in.Transport,
		SMTPConfigID:  in.SMTPConfigID,
		ContactIDs:    in.ContactIDs,
		Draft:         in.Draft,
	})
	if err != nil {
		if errors.Is(err, core.ErrEmptyAudience) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contact_ids_required"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// Immediate campaigns are sent synchronously at creation; the polling
	// loop never selects them.
	if c.Status == core.StatusPending && c.SendType == core.SendImmediate && s.Engine != nil {
		if err := s.Engine.Dispatch(r.Context(), c); err != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{"campaign": c, "dispatch_error": err.Error()})
			return
		}
		c, err = s.Store.GetCampaign(r.Context(), c.ID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	c, err := s.Store.GetCampaign(r.Context(), id)
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "campaign_not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	counts, err := s.Store.RecipientCounts(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": c, "recipients": counts})
}

func (s *Server) listRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	items, err := s.Store.ListRecipients(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token_required"})
		return
	}
	ok, err := s.Store.Unsubscribe(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_token"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("You have been unsubscribed.\n"))
}
