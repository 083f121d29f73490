// Command bridge runs the reference backend session bridge: it issues
// sign-in challenges, verifies wallet signatures, and mints the session
// tokens the wallet session core exchanges its tickets for.
package main

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Fmsticks2/SealGuard-sub002/internal/config"
	"github.com/Fmsticks2/SealGuard-sub002/pkg/logger"
)

type server struct {
	cfg     config.BridgeConfig
	store   Store
	limiter *addressLimiter
	log     *logger.Logger
}

func newServer(cfg config.BridgeConfig, store Store, log *logger.Logger) *server {
	if log == nil {
		log = logger.NewDefault("bridge")
	}
	return &server{
		cfg:     cfg,
		store:   store,
		limiter: newAddressLimiter(cfg.ChallengeRPS),
		log:     log,
	}
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware, metricsMiddleware)

	r.HandleFunc("/health", healthHandler()).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/auth/challenge", challengeHandler(s)).Methods("POST")
	r.HandleFunc("/auth/verify", verifyHandler(s)).Methods("POST")

	protected := r.PathPrefix("/session").Subrouter()
	protected.Use(authMiddleware(s))
	protected.HandleFunc("/me", meHandler(s)).Methods("GET")
	protected.HandleFunc("/logout", logoutHandler(s)).Methods("POST")

	return r
}

func main() {
	log := logger.NewDefault("bridge")

	cfg, err := config.LoadBridge()
	if err != nil {
		log.WithError(err).Error("load config")
		os.Exit(1)
	}

	var store Store
	if cfg.RedisURL != "" {
		store, err = newRedisStore(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Error("connect redis")
			os.Exit(1)
		}
		log.Info("using redis store")
	} else {
		store = newMemoryStore()
		log.Warn("REDIS_URL not set; using in-memory store")
	}

	srv := newServer(cfg, store, log)

	log.WithField("addr", cfg.ListenAddr).Info("session bridge listening")
	if err := http.ListenAndServe(cfg.ListenAddr, srv.router()); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
}
