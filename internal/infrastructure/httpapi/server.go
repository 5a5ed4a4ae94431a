package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"btc-wallet-intel/internal/domain/repository"
	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) bool

type errorResponse struct {
	Status int    `json:"status"`
	Err    string `json:"error"`
}

type healthResponse struct {
	Status       string          `json:"status"`
	Dependencies map[string]bool `json:"dependencies"`
}

// Options tunes the optional parts of the server
type Options struct {
	// Metrics mounts /metrics
	Metrics bool

	// RateLimit caps /api requests per client. Zero disables it.
	RateLimit rate.Limit
	RateBurst int
}

// Server exposes the wallet and crawler operations over HTTP
type Server struct {
	wallets service.WalletService
	crawler service.CrawlerService
	checks  map[string]HealthCheck
	logger  *logger.Logger
	e       *echo.Echo
}

// NewServer creates the HTTP API
func NewServer(
	wallets service.WalletService,
	crawler service.CrawlerService,
	checks map[string]HealthCheck,
	opts Options,
	logger *logger.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST},
	}))

	s := &Server{
		wallets: wallets,
		crawler: crawler,
		checks:  checks,
		logger:  logger.WithComponent("http-api"),
		e:       e,
	}

	e.GET("/health", s.health)

	// every wallet route can trigger a ledger sync
	api := e.Group("/api")
	if opts.RateLimit > 0 {
		api.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      opts.RateLimit,
				Burst:     max(opts.RateBurst, 1),
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}
	api.GET("/wallet-data/:address", s.getWalletData)
	api.GET("/connected-wallets/:address", s.getConnectedWallets)
	api.POST("/crawler/start", s.startCrawler)
	api.POST("/crawler/stop", s.stopCrawler)
	api.GET("/crawler/status", s.crawlerStatus)

	if opts.Metrics {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start listens on addr until Stop is called
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP API listening", zap.String("addr", addr))

	err := s.e.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	resp := healthResponse{Status: "ok", Dependencies: make(map[string]bool, len(s.checks))}
	status := http.StatusOK
	for name, check := range s.checks {
		ok := check(c.Request().Context())
		resp.Dependencies[name] = ok
		if !ok {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	return c.JSON(status, resp)
}

func (s *Server) getWalletData(c echo.Context) error {
	address := c.Param("address")

	force := false
	if raw := c.QueryParam("force_update"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return s.sendError(c, http.StatusBadRequest, fmt.Errorf("invalid force_update %q", raw))
		}
		force = parsed
	}

	wallet, err := s.wallets.SyncOrFetch(c.Request().Context(), address, force)
	if err != nil {
		return s.sendError(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, wallet)
}

func (s *Server) getConnectedWallets(c echo.Context) error {
	connections, err := s.wallets.GetCounterparties(c.Request().Context(), c.Param("address"))
	if err != nil {
		return s.sendError(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, connections)
}

func (s *Server) startCrawler(c echo.Context) error {
	if err := s.crawler.Start(c.Request().Context()); err != nil {
		return s.sendError(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, s.crawler.Status())
}

func (s *Server) stopCrawler(c echo.Context) error {
	s.crawler.Stop()
	return c.JSON(http.StatusOK, s.crawler.Status())
}

func (s *Server) crawlerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.crawler.Status())
}

func (s *Server) sendError(c echo.Context, status int, err error) error {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
	}
	return c.JSON(status, &errorResponse{Status: status, Err: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAddressNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrCrawlerRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrTooManyTransactions):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrFetchFailed), errors.Is(err, service.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
