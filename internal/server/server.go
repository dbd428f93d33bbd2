package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/adserve"
	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/orchestrator"
	"github.com/fourpillars/adpilot/internal/perf"
	"github.com/fourpillars/adpilot/internal/saju"
	"github.com/fourpillars/adpilot/internal/store"
)

// Options carries the wiring the server needs; Token is generated when
// empty.
type Options struct {
	Port       int
	CookieName string
	CookieTTL  time.Duration
	Token      string
	// AdClient is the ad network publisher id, returned to pages so a
	// degraded integration can still inject tags directly.
	AdClient string
}

type Server struct {
	store   *store.SQLiteStore
	engine  *adserve.Engine
	tracker *perf.Tracker
	exps    *experiment.Manager
	orch    *orchestrator.Integration
	saju    *saju.Client
	events  *bus.Bus
	log     *zap.Logger

	port       int
	cookieName string
	cookieTTL  time.Duration
	token      string
	adClient   string
	router     *http.ServeMux
	startTime  time.Time
}

func New(
	st *store.SQLiteStore,
	engine *adserve.Engine,
	tracker *perf.Tracker,
	exps *experiment.Manager,
	orch *orchestrator.Integration,
	sajuClient *saju.Client,
	events *bus.Bus,
	log *zap.Logger,
	opts Options,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CookieName == "" {
		opts.CookieName = "ab_experiments"
	}
	if opts.CookieTTL <= 0 {
		opts.CookieTTL = 30 * 24 * time.Hour
	}
	if opts.Token == "" {
		opts.Token = generateToken()
	}

	s := &Server{
		store:      st,
		engine:     engine,
		tracker:    tracker,
		exps:       exps,
		orch:       orch,
		saju:       sajuClient,
		events:     events,
		log:        log,
		port:       opts.Port,
		cookieName: opts.CookieName,
		cookieTTL:  opts.CookieTTL,
		token:      opts.Token,
		adClient:   opts.AdClient,
		router:     http.NewServeMux(),
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/b", s.handleBeacon)
	s.router.HandleFunc("/api/assign", s.handleAssign)
	s.router.HandleFunc("/api/experiments", s.handleExperiments)
	s.router.HandleFunc("/api/saju/calculate", s.handleCalculate)
	s.router.HandleFunc("/api/saju/compatibility", s.handleCompatibility)
	s.router.HandleFunc("/api/status", s.handleStatus)

	// Protected endpoints
	s.router.Handle("/api/export", s.authMiddleware(http.HandlerFunc(s.handleExport)))
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.log.Info("adpilot listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a fixed token if crypto/rand fails
		return "a1b2c3d4e5f6a7b8"
	}
	return hex.EncodeToString(bytes)
}
