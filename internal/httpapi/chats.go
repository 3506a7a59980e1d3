package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mnemos/internal/auth"
	"github.com/ent0n29/mnemos/internal/transcript"
)

type createChatRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	chat, err := s.transcripts.CreateChat(r.Context(), id.UserID, strings.TrimSpace(req.Title))
	if err != nil {
		s.logger.Error("create chat failed", "user_id", id.UserID, "err", err)
		respondError(w, http.StatusServiceUnavailable, "transcript_unavailable", "could not create chat")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"chat": chat})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	chats, err := s.transcripts.ListChats(r.Context(), id.UserID)
	if err != nil {
		s.logger.Error("list chats failed", "user_id", id.UserID, "err", err)
		respondError(w, http.StatusServiceUnavailable, "transcript_unavailable", "could not list chats")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	chatID := strings.TrimSpace(chi.URLParam(r, "id"))

	chat, err := s.transcripts.GetChat(r.Context(), chatID)
	// A chat owned by someone else is indistinguishable from a missing one.
	if errors.Is(err, transcript.ErrChatNotFound) || (err == nil && chat.OwnerID != id.UserID) {
		respondError(w, http.StatusNotFound, "chat_not_found", "chat not found")
		return
	}
	if err != nil {
		s.logger.Error("get chat failed", "chat_id", chatID, "err", err)
		respondError(w, http.StatusServiceUnavailable, "transcript_unavailable", "could not read chat")
		return
	}

	turns, err := s.transcripts.ListTurns(r.Context(), chatID)
	if err != nil {
		s.logger.Error("list turns failed", "chat_id", chatID, "err", err)
		respondError(w, http.StatusServiceUnavailable, "transcript_unavailable", "could not read chat")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chat":     chat,
		"messages": turns,
	})
}
