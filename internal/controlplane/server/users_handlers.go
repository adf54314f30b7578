package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/betbot/botdeck/internal/domain"
	"github.com/betbot/botdeck/internal/storage"
)

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (s *Server) handleUsersCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	ctx, cancel := s.readCtx(r)
	defer cancel()
	u, err := s.store.CreateUser(ctx, domain.User{
		ID:        uuid.NewString(),
		Username:  req.Username,
		Email:     strings.TrimSpace(req.Email),
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, storage.ErrConflict) {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db insert: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.readCtx(r)
	defer cancel()

	u, err := s.store.GetUser(ctx, urlParam(r, "userID"))
	s.writeUser(w, u, err)
}

func (s *Server) handleUserByName(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.readCtx(r)
	defer cancel()

	u, err := s.store.GetUserByUsername(ctx, urlParam(r, "username"))
	s.writeUser(w, u, err)
}

func (s *Server) writeUser(w http.ResponseWriter, u *domain.User, err error) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
