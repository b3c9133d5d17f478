package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxListLimit = 200

// RegisterConversations registers the conversation history routes.
func (h *Handler) RegisterConversations(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations)
		r.Get("/{id}", h.GetConversation)
		r.Delete("/{id}", h.DeleteConversation)
	})
}

// ListConversations handles GET /api/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	convs, err := h.repo.ListConversations(r.Context(), tenantID, userID, limit)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	out := make([]protocol.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, toProtocolConversation(c))
	}
	JSON(w, http.StatusOK, out)
}

// GetConversation handles GET /api/conversations/{id}.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "id")

	conv, err := h.repo.GetConversation(r.Context(), tenantID, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "conversation_id", id)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load messages", "error", err, "conversation_id", id)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	detail := protocol.ConversationDetail{
		Conversation: toProtocolConversation(conv),
		Messages:     make([]protocol.HistoryMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, protocol.HistoryMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			AgentID:   m.AgentID,
			CreatedAt: m.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, detail)
}

// DeleteConversation handles DELETE /api/conversations/{id}.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "id")

	err := h.repo.DeleteConversation(r.Context(), tenantID, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		slog.Error("Failed to delete conversation", "error", err, "conversation_id", id)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	slog.Info("Conversation deleted", "user_id", userID, "conversation_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func toProtocolConversation(c *domain.Conversation) protocol.Conversation {
	return protocol.Conversation{
		ID:        c.ID,
		AgentID:   c.AgentID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
