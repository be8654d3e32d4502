// Package opsserver exposes /healthz and /metrics for operators.
package opsserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paywatch/internal/poller"
	"paywatch/internal/runtime/supervisor"
	logx "paywatch/pkg/logx"
)

// ReportSource returns the latest cycle report.
type ReportSource interface {
	Last() poller.CycleReport
}

type Server struct {
	addr    string
	echo    *echo.Echo
	reports ReportSource
	tasks   func() []supervisor.TaskStats
	log     logx.Logger
	pprof   bool
}

type tenantHealth struct {
	Tenant string `json:"tenant"`
	Status string `json:"status"`
	Found  int    `json:"found"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                 `json:"status"`
	CycleID    string                 `json:"cycle_id,omitempty"`
	Since      string                 `json:"since,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Tenants    []tenantHealth         `json:"tenants,omitempty"`
	Tasks      []supervisor.TaskStats `json:"tasks,omitempty"`
}

type Option func(*Server)

// WithPprof mounts the runtime profiler under /debug/pprof.
func WithPprof(enabled bool) Option { return func(s *Server) { s.pprof = enabled } }

// New builds the server; tasks may be nil.
func New(addr string, reports ReportSource, tasks func() []supervisor.TaskStats, log logx.Logger, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{addr: addr, echo: e, reports: reports, tasks: tasks, log: log}
	for _, o := range opts {
		o(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("ops request",
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if s.pprof {
		g := e.Group("/debug/pprof")
		g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		g.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		g.POST("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		g.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		g.GET("/*", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}
	return s
}

// Handler is the routed handler (tests).
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) healthz(c echo.Context) error {
	rep := s.reports.Last()
	resp := healthResponse{Status: "starting"}
	code := http.StatusOK

	if !rep.FinishedAt.IsZero() {
		finished := rep.FinishedAt
		resp.Status = "ok"
		resp.CycleID = rep.ID
		resp.Since = rep.Since.Format("2006-01-02")
		resp.FinishedAt = &finished
		if rep.Err != nil {
			resp.Error = rep.Err.Error()
		}
		for _, t := range rep.Tenants {
			th := tenantHealth{Tenant: t.Tenant, Status: string(t.Status), Found: t.Found, Sent: t.Sent, Failed: t.Failed}
			if t.Err != nil {
				th.Error = t.Err.Error()
			}
			resp.Tenants = append(resp.Tenants, th)
		}
		if rep.Systemic() {
			resp.Status = "failing"
			code = http.StatusServiceUnavailable
		}
	}
	if s.tasks != nil {
		resp.Tasks = s.tasks()
	}
	return c.JSON(code, resp)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.echo.Listener = ln
	s.log.Info("ops server listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.echo.Start("") }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
