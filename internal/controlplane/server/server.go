package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/botdeck/internal/botmanager"
	"github.com/betbot/botdeck/internal/metrics"
	"github.com/betbot/botdeck/internal/storage"
	"github.com/betbot/botdeck/pkg/logger"
)

type Config struct {
	// ReadTimeout bounds plain store reads.
	ReadTimeout time.Duration
	// ActionTimeout bounds handlers that may log a bot in.
	ActionTimeout time.Duration
	// Debug exposes expvar and pprof under /debug/.
	Debug bool
}

type Server struct {
	cfg        Config
	manager    *botmanager.Manager
	reconciler *botmanager.Reconciler
	store      storage.Store
	log        *logrus.Entry
}

func New(m *botmanager.Manager, r *botmanager.Reconciler, cfg Config) (*Server, error) {
	if m == nil {
		return nil, errors.New("manager is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		// 需覆盖一次完整登录加写库
		cfg.ActionTimeout = m.Config().LoginTimeout + 10*time.Second
	}
	return &Server{
		cfg:        cfg,
		manager:    m,
		reconciler: r,
		store:      m.Store(),
		log:        logger.WithField("component", "http"),
	}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recoverer())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if s.cfg.Debug {
		r.Any("/debug/*path", gin.WrapH(metrics.DebugMux()))
	}
	r.GET("/ws", s.wrap(s.handleWS))

	api := r.Group("/api")

	users := api.Group("/users")
	users.POST("", s.wrap(s.handleUsersCreate))
	users.GET("/by-name/:username", s.wrap(s.handleUserByName))
	users.GET("/:userID", s.wrap(s.handleUserGet))

	bots := api.Group("/bots")
	bots.GET("", s.wrap(s.handleBotsList))
	bots.POST("", s.wrap(s.handleBotsCreate))
	botID := bots.Group("/:botID")
	botID.GET("", s.wrap(s.handleBotGet))
	botID.PUT("", s.wrap(s.handleBotUpdate))
	botID.DELETE("", s.wrap(s.handleBotDelete))
	botID.POST("/start", s.wrap(s.handleBotStart))
	botID.POST("/stop", s.wrap(s.handleBotStop))
	botID.POST("/restart", s.wrap(s.handleBotRestart))
	botID.GET("/logs", s.wrap(s.handleBotLogs))
	botID.GET("/invite", s.wrap(s.handleBotInvite))

	api.GET("/logs", s.wrap(s.handleLogsList))
	api.GET("/metrics/latest", s.wrap(s.handleMetricsLatest))
	api.GET("/metrics/history", s.wrap(s.handleMetricsHistory))
	api.GET("/handles", s.wrap(s.handleHandlesList))
	api.POST("/reconcile", s.wrap(s.handleReconcile))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "botdeck_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func urlParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return strings.TrimSpace(m[key])
}

// recoverer 替代 gin.Recovery：记录 panic 并通知订阅者
func (s *Server) recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				s.manager.HandlePanic("http "+c.FullPath(), rec)
				if !c.Writer.Written() {
					writeError(c.Writer, http.StatusInternalServerError, "internal error")
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryLimit 解析 ?limit=，非法值交给存储层回落默认
func queryLimit(r *http.Request) int {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) readCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.ReadTimeout)
}

func (s *Server) actionCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
}
