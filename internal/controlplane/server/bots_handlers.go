package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/betbot/botdeck/internal/domain"
)

type updateBotRequest struct {
	Name         *string              `json:"name"`
	Token        *string              `json:"token"`
	Prefix       *string              `json:"prefix"`
	Category     *string              `json:"category"`
	Permissions  *int64               `json:"permissions"`
	InviteConfig *domain.InviteConfig `json:"invite_config"`
}

func (req updateBotRequest) toUpdate() (domain.BotUpdate, error) {
	var upd domain.BotUpdate
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return upd, fmt.Errorf("name must not be empty")
		}
		upd.Name = &name
	}
	if req.Token != nil {
		tok := strings.TrimSpace(*req.Token)
		if tok == "" {
			return upd, fmt.Errorf("token must not be empty")
		}
		upd.Token = &tok
	}
	upd.Prefix = req.Prefix
	if req.Category != nil {
		c := domain.NormalizeCategory(*req.Category)
		upd.Category = &c
	}
	upd.Permissions = req.Permissions
	upd.InviteConfig = req.InviteConfig
	return upd, nil
}

func redactAll(bots []domain.Bot) []domain.Bot {
	out := make([]domain.Bot, 0, len(bots))
	for _, b := range bots {
		out = append(out, b.Redacted())
	}
	return out
}

func (s *Server) handleBotsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.readCtx(r)
	defer cancel()

	var (
		bots []domain.Bot
		err  error
	)
	if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" {
		bots, err = s.store.GetBotsByUserID(ctx, userID)
	} else {
		bots, err = s.store.GetAllBots(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db list: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, redactAll(bots))
}

func (s *Server) handleBotsCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.BotSpec
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Token = strings.TrimSpace(req.Token)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	ctx, cancel := s.actionCtx(r)
	defer cancel()
	b := s.manager.CreateBot(ctx, req)
	if b == nil {
		writeError(w, http.StatusInternalServerError, "failed to create bot")
		return
	}
	writeJSON(w, http.StatusCreated, b.Redacted())
}

func (s *Server) handleBotGet(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	ctx, cancel := s.readCtx(r)
	defer cancel()

	b, err := s.store.GetBot(ctx, botID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, b.Redacted())
}

func (s *Server) handleBotUpdate(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	var req updateBotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	upd, err := req.toUpdate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.actionCtx(r)
	defer cancel()
	b := s.manager.UpdateBot(ctx, botID, upd)
	if b == nil {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, b.Redacted())
}

func (s *Server) handleBotDelete(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	ctx, cancel := s.actionCtx(r)
	defer cancel()

	if !s.manager.DeleteBot(ctx, botID) {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// botAction 统一 start/stop/restart：先确认 bot 存在，再执行动作
func (s *Server) botAction(w http.ResponseWriter, r *http.Request, verb string, act func(r *http.Request, id string) bool) {
	botID := urlParam(r, "botID")
	ctx, cancel := s.readCtx(r)
	b, err := s.store.GetBot(ctx, botID)
	cancel()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	if !act(r, botID) {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to %s bot", verb))
		return
	}

	ctx, cancel = s.readCtx(r)
	defer cancel()
	fresh, err := s.store.GetBot(ctx, botID)
	if err != nil || fresh == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeJSON(w, http.StatusOK, fresh.Redacted())
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	s.botAction(w, r, "start", func(r *http.Request, id string) bool {
		ctx, cancel := s.actionCtx(r)
		defer cancel()
		return s.manager.StartBot(ctx, id)
	})
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	s.botAction(w, r, "stop", func(r *http.Request, id string) bool {
		ctx, cancel := s.actionCtx(r)
		defer cancel()
		return s.manager.StopBot(ctx, id)
	})
}

func (s *Server) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	s.botAction(w, r, "restart", func(r *http.Request, id string) bool {
		ctx, cancel := s.actionCtx(r)
		defer cancel()
		return s.manager.RestartBot(ctx, id)
	})
}

func (s *Server) handleBotInvite(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	ctx, cancel := s.readCtx(r)
	defer cancel()

	b, err := s.store.GetBot(ctx, botID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	appID := s.manager.ApplicationID(botID)
	if appID == "" {
		appID = domain.ApplicationIDFromToken(b.Token)
	}
	if appID == "" {
		writeError(w, http.StatusConflict, "application id unknown: start the bot first")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bot_id":         botID,
		"application_id": appID,
		"url":            domain.InviteURL(appID, b.InviteConfig, b.Permissions),
	})
}

func (s *Server) handleHandlesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Handles())
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler not running")
		return
	}
	s.reconciler.Kick()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}
