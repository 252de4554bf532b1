package serv

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/linkhub/linkhub/core"
	"github.com/linkhub/linkhub/serv/internal/util"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

// Service wires the cache layer, the system of record and the HTTP API
type Service struct {
	conf *Config
	log  *zap.SugaredLogger
	zlog *zap.Logger

	store     core.Store
	storeKind string
	dir       Directory

	tel     *telemetry
	metrics *core.CacheMetrics
	cache   *core.Cache
	limiter *core.RateLimiter
	warmer  *core.Warmer
	auth    *authenticator

	srv *http.Server
}

// Option configures a Service
type Option func(*Service) error

// OptionSetLogger sets the logger
func OptionSetLogger(log *zap.Logger) Option {
	return func(s *Service) error {
		s.zlog = log
		return nil
	}
}

// OptionSetLogOutput sends logs to w instead of stdout
func OptionSetLogOutput(w io.Writer) Option {
	return func(s *Service) error {
		s.zlog = NewLogger(s.conf, w)
		return nil
	}
}

// OptionSetStore replaces the key-value store picked from the config
func OptionSetStore(store core.Store, kind string) Option {
	return func(s *Service) error {
		s.store = store
		s.storeKind = kind
		return nil
	}
}

// OptionSetDirectory replaces the Postgres directory
func OptionSetDirectory(dir Directory) Option {
	return func(s *Service) error {
		s.dir = dir
		return nil
	}
}

// NewService builds the service. Redis is optional; the database is not.
func NewService(conf *Config, options ...Option) (*Service, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	s := &Service{conf: conf}

	for _, op := range options {
		if err := op(s); err != nil {
			return nil, err
		}
	}

	if s.zlog == nil {
		s.zlog = util.NewLogger(conf.jsonLogs(), conf.LogLevel)
	}
	s.log = s.zlog.Sugar()

	tel, err := newTelemetry(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	s.tel = tel
	s.metrics = core.NewCacheMetrics(tel.meterProvider())

	if s.store == nil {
		store, kind, err := newStore(conf, s.log)
		if err != nil {
			s.tel.shutdown(context.Background()) //nolint:errcheck
			return nil, err
		}
		s.store, s.storeKind = store, kind
	}

	if s.dir == nil {
		dir, err := NewPGDirectory(context.Background(), conf.Database)
		if err != nil {
			s.store.Close()                      //nolint:errcheck
			s.tel.shutdown(context.Background()) //nolint:errcheck
			return nil, err
		}
		s.dir = dir
	}

	s.cache = core.NewCache(s.store,
		core.WithLogger(s.zlog.Named("cache")),
		core.WithTTLs(conf.Cache.TTLs),
		core.WithMetrics(s.metrics),
		core.WithTracerProvider(tel.tracerProvider()),
		core.WithCoalescing(conf.Cache.Coalesce))

	s.limiter = core.NewRateLimiter(s.store,
		core.WithRateLogger(s.zlog.Named("ratelimit")),
		core.WithRateMetrics(s.metrics))

	s.warmer = core.NewWarmer(s.cache, s.dir, conf.Warmup.WarmerConfig,
		core.WithWarmerLogger(s.zlog.Named("warmup")))

	s.auth = newAuthenticator(conf.Auth)

	if conf.Auth.JWTSecret == "" {
		s.log.Warn("auth.jwt_secret is not set, analytics endpoints will reject all requests")
	}
	if conf.Warmup.Secret == "" {
		s.log.Warn("warmup.secret is not set, operator endpoints are disabled")
	}

	s.srv = &http.Server{
		Addr:              s.hostPort(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Cache returns the read-through cache
func (s *Service) Cache() *core.Cache { return s.cache }

// Warmer returns the cache warmer
func (s *Service) Warmer() *core.Warmer { return s.warmer }

// StoreKind reports which key-value store is in use
func (s *Service) StoreKind() string { return s.storeKind }

// Start starts the warmup schedule when enabled and serves HTTP until
// Shutdown is called.
func (s *Service) Start() error {
	if s.conf.WarmupEnabled() {
		if err := s.warmer.Start(context.Background()); err != nil {
			return err
		}
	} else {
		s.log.Info("scheduled cache warmup disabled")
	}

	s.log.Infof("%s listening on %s (store: %s)", s.conf.AppName, s.srv.Addr, s.storeKind)

	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the warmer, drains HTTP connections and releases the store
// and database. A warmup run still going when ctx (capped at ten seconds)
// is done is abandoned.
func (s *Service) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.warmer.Stop(ctx)

	if serr := s.srv.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.dir.Close()

	if terr := s.tel.shutdown(ctx); terr != nil && err == nil {
		err = terr
	}

	s.zlog.Sync() //nolint:errcheck
	return err
}

func (s *Service) hostPort() string {
	if s.conf.HostPort == "" {
		return defaultHostPort
	}
	return s.conf.HostPort
}

// NewLogger builds the logger described by the log_level and log_format
// settings, writing to w.
func NewLogger(conf *Config, w io.Writer) *zap.Logger {
	return util.NewLoggerWithOutput(conf.jsonLogs(), conf.LogLevel, zapcore.AddSync(w))
}

func (c *Config) jsonLogs() bool {
	switch c.LogFormat {
	case "json":
		return true
	case "plain":
		return false
	default:
		return c.Production
	}
}
