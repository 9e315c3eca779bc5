// Package api exposes the install engine over HTTP for a local frontend.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/merger"
	"github.com/bnema/ardysactl/internal/patcher"
	"github.com/bnema/ardysactl/internal/target"
	"github.com/bnema/ardysactl/internal/watcher"
)

// Server serves one game target
type Server struct {
	svc     *install.Service
	target  *target.Target
	watcher *watcher.Watcher
	hub     *Hub
	auth    *Auth
	log     *log.Logger
	engine  *gin.Engine
}

type installRequest struct {
	Sources []install.ContentSource `json:"sources" binding:"required,min=1"`
	Mode    string                  `json:"mode" binding:"omitempty,oneof=clean add-to-current"`
	Force   bool                    `json:"force"`
}

type patchRequest struct {
	Mode string `json:"mode" binding:"omitempty,oneof=quick full"`
}

type statusResponse struct {
	install.StatusInfo
	Running bool `json:"running"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

// New creates a server. w may be nil.
func New(svc *install.Service, t *target.Target, w *watcher.Watcher, logger *log.Logger) *Server {
	s := &Server{
		svc:     svc,
		target:  t,
		watcher: w,
		hub:     NewHub(logger),
		log:     logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	g := r.Group("/api", s.authorize())
	g.GET("/status", s.status)
	g.POST("/install", s.install)
	g.POST("/patch", s.patch)
	g.POST("/disable", s.disable)
	g.POST("/restore", s.restore)
	g.GET("/events", s.hub.handle)

	s.engine = r
	return s
}

// RequireAuth rejects requests without a valid token from a. It must be
// called before serving.
func (s *Server) RequireAuth(a *Auth) {
	s.auth = a
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on addr until ctx is done, then shuts down within grace
func (s *Server) Run(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.forward(runCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), grace)
	defer stop()
	s.hub.Close()
	if err := s.svc.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Operations did not stop in time", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

// forward relays watcher events to websocket clients
func (s *Server) forward(ctx context.Context) {
	if s.watcher == nil {
		return
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			s.hub.Broadcast(Message{Type: "stale", Data: ev})
		case <-ticker.C:
			s.hub.ping()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) progress(op string) install.Progress {
	return func(e install.Event) {
		s.hub.Broadcast(Message{Type: op + ".progress", Data: e})
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, errs.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrArchiveCorrupt), errors.Is(err, errs.ErrPayloadInvalid):
		return http.StatusUnprocessableEntity
	case errs.IsCancelled(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrNetworkUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusCode(err), errorResponse{Error: err.Error(), Kind: errs.Kind(err), Hint: errs.Hint(err)})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		StatusInfo: s.svc.DetailedStatus(c.Request.Context(), s.target),
		Running:    s.svc.Running(s.target),
	})
}

func (s *Server) install(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := install.ValidateSources(req.Sources); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	opts := install.InstallOptions{Force: req.Force}
	if req.Mode == "add-to-current" {
		opts.Mode = merger.AddToCurrent
	}

	res := s.svc.Install(c.Request.Context(), s.target, req.Sources, opts, s.progress("install"))
	s.hub.Broadcast(Message{Type: "install.result", Data: res})

	code := http.StatusOK
	if !res.Success {
		code = statusCode(res.Err)
	}
	c.JSON(code, res)
}

func (s *Server) patch(c *gin.Context) {
	var req patchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	mode := patcher.Full
	if req.Mode == "quick" {
		mode = patcher.Quick
	}
	res, err := s.svc.Patch(c.Request.Context(), s.target, mode, s.progress("patch"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res.String()})
}

func (s *Server) disable(c *gin.Context) {
	ok, err := s.svc.Disable(c.Request.Context(), s.target)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": ok})
}

func (s *Server) restore(c *gin.Context) {
	restored, err := s.svc.Restore(c.Request.Context(), s.target)
	if err != nil {
		s.fail(c, err)
		return
	}
	rel := make([]string, 0, len(restored))
	for _, p := range restored {
		rel = append(rel, s.target.Rel(p))
	}
	c.JSON(http.StatusOK, gin.H{"restored": rel})
}
