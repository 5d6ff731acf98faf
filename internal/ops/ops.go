// Package ops is the operation façade: stateless verbs composed from the
// store, vault, cache, provider adapters, sync engine, and rules engine.
// Every operation validates its input before any side effect and returns
// a typed payload; errors carry the shared taxonomy so the dispatch layer
// can fold them into {success:false, message} without re-inspecting.
package ops

import (
	"log/slog"

	"github.com/intentmail/intentmail/internal/cache"
	"github.com/intentmail/intentmail/internal/config"
	"github.com/intentmail/intentmail/internal/oauth"
	"github.com/intentmail/intentmail/internal/store"
	mailsync "github.com/intentmail/intentmail/internal/sync"
	"github.com/intentmail/intentmail/internal/vault"
)

// Service wires the components behind the operation catalogue.
type Service struct {
	cfg    *config.Config
	store  *store.Store
	vault  *vault.Vault
	cache  *cache.Cache
	engine *mailsync.Engine
	oauth  *oauth.Manager
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New builds the façade. The sync engine and OAuth manager are owned by
// the service; store, vault, and cache are shared process-wide handles.
func New(cfg *config.Config, st *store.Store, v *vault.Vault, c *cache.Cache, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		store:  st,
		vault:  v,
		cache:  c,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = mailsync.NewEngine(st,
		mailsync.WithLogger(s.logger),
		mailsync.WithMaxMessages(cfg.Sync.MaxMessages))
	s.oauth = oauth.NewManager(s.logger)
	return s
}

// Store exposes the underlying store for callers that need read access
// beyond the catalogue (the TUI, tests).
func (s *Service) Store() *store.Store { return s.store }
