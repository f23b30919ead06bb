// internal/community/handler.go
package community

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"memberboard/internal/tiered"
)

const maxBodyBytes = 8 << 20

type Handler struct {
	service  Service
	adminKey *AdminKey
}

func NewHandler(service Service, adminKey *AdminKey) *Handler {
	return &Handler{service: service, adminKey: adminKey}
}

// Routes mounts the public and administrative endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.handleHealth)
	r.Route("/members", func(r chi.Router) {
		r.Post("/", h.handleSubmitMember)
		r.Get("/", h.handleListApproved)
		r.Get("/{id}", h.handleGetApproved)
	})
	r.Get("/codes/{code}", h.handleCheckCode)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.handleListMembers)
			r.Get("/{id}", h.handleGetMember)
			r.Patch("/{id}", h.handleUpdateMember)
			r.Delete("/{id}", h.handleDeleteMember)
			r.Post("/{id}/approve", h.handleApproveMember)
			r.Post("/{id}/reject", h.handleRejectMember)
		})
		r.Route("/codes", func(r chi.Router) {
			r.Get("/", h.handleListCodes)
			r.Post("/", h.handleIssueCode)
			r.Delete("/{code}", h.handleDeleteCode)
		})
	})

	return r
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, r, ErrUnauthorized)
			return
		}
		if err := h.adminKey.Verify(strings.TrimSpace(token)); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())
	status := http.StatusOK
	for _, hc := range health {
		if hc.Degraded {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{"stores": health})
}

func (h *Handler) handleSubmitMember(w http.ResponseWriter, r *http.Request) {
	var req SubmitMemberRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	member, res, err := h.service.SubmitMember(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeWrite(w, http.StatusCreated, res, member)
}

func (h *Handler) handleListApproved(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListMembers(r.Context(), StatusApproved))
}

func (h *Handler) handleGetApproved(w http.ResponseWriter, r *http.Request) {
	member, err := h.service.GetMember(r.Context(), chi.URLParam(r, "id"))
	if err == nil && member.Status() != StatusApproved {
		err = fmt.Errorf("%w: member %q", ErrNotFound, member.ID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) handleCheckCode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"valid": h.service.CheckCode(r.Context(), chi.URLParam(r, "code"))})
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	status, err := ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.ListMembers(r.Context(), status))
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.service.GetMember(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	var req UpdateMemberRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondMember(w, r)(h.service.UpdateMember(r.Context(), chi.URLParam(r, "id"), req))
}

func (h *Handler) handleApproveMember(w http.ResponseWriter, r *http.Request) {
	h.respondMember(w, r)(h.service.ApproveMember(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) handleRejectMember(w http.ResponseWriter, r *http.Request) {
	h.respondMember(w, r)(h.service.RejectMember(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) respondMember(w http.ResponseWriter, r *http.Request) func(*Member, tiered.WriteResult, error) {
	return func(member *Member, res tiered.WriteResult, err error) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeWrite(w, http.StatusOK, res, member)
	}
}

func (h *Handler) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.service.DeleteMember(r.Context(), id) {
		writeError(w, r, fmt.Errorf("%w: member %q", ErrNotFound, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListCodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListCodes(r.Context()))
}

func (h *Handler) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTL string `json:"ttl"`
	}
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, err)
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			writeError(w, r, fmt.Errorf("%w: ttl must be a positive duration", ErrInvalidInput))
			return
		}
		ttl = parsed
	}

	code, res, err := h.service.IssueCode(r.Context(), ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeWrite(w, http.StatusCreated, res, code)
}

func (h *Handler) handleDeleteCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !h.service.DeleteCode(r.Context(), code) {
		writeError(w, r, fmt.Errorf("%w: code %q", ErrNotFound, code))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
