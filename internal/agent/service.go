// Package agent wires the cache, router, execution loop and delegate
// into the service that answers user queries.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/internal/history"
	"github.com/conduit-ai/conduit/internal/loop"
	"github.com/conduit-ai/conduit/internal/router"
	"github.com/conduit-ai/conduit/internal/stats"
	"github.com/conduit-ai/conduit/internal/subagent"
	"github.com/conduit-ai/conduit/pkg/protocol"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// Options select the execution mode for one query.
type Options struct {
	// Agentic runs the plan/act/reflect loop.
	Agentic bool

	// MultiAgent routes across backends when more than one is up.
	MultiAgent bool

	// Server restricts execution to one backend. Empty or "all" means
	// no restriction.
	Server string

	// SessionID threads conversation identity through cache and history.
	SessionID string
}

// Config carries the service's collaborators. Cache, History and Stats
// are optional; Delegate and Registry are not.
type Config struct {
	Cache    *cache.Cache
	Router   *router.Router
	Loop     *loop.Loop
	Delegate protocol.Delegate
	Registry *subagent.Registry
	History  *history.Store
	Stats    *stats.Collector
	Log      *zap.Logger
}

// Service is the composition root for query handling.
type Service struct {
	cache    *cache.Cache
	router   *router.Router
	loop     *loop.Loop
	delegate protocol.Delegate
	registry *subagent.Registry
	history  *history.Store
	stats    *stats.Collector
	log      *zap.Logger
}

// NewService creates the service from its collaborators.
func NewService(cfg Config) *Service {
	logger := cfg.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cache:    cfg.Cache,
		router:   cfg.Router,
		loop:     cfg.Loop,
		delegate: cfg.Delegate,
		registry: cfg.Registry,
		history:  cfg.History,
		stats:    cfg.Stats,
		log:      logger,
	}
}

// Stream answers a query, emitting chunks as they become available.
// Mode selection: cache hit, then agentic, then multi-agent routing,
// then direct delegation, with fallback between modes on failure.
// Every path ends in either a text response or an explanatory message;
// only direct-mode failures other than reasoning exhaustion propagate.
func (s *Service) Stream(ctx context.Context, query string, opts Options, emit protocol.ChunkFunc) error {
	start := time.Now()
	defer func() {
		if s.stats != nil {
			s.stats.RecordQuery(time.Since(start))
		}
	}()

	// Cache hit: answer without touching backends or the model.
	if s.cache != nil {
		if entry := s.cache.Lookup(query, opts.SessionID); entry != nil {
			s.log.Debug("cache hit", zap.String("query", query))
			if s.stats != nil {
				s.stats.RecordCacheHit()
			}
			emit(protocol.TextChunk(entry.Response))
			s.recordHistory(ctx, opts.SessionID, query, entry.Response)
			return nil
		}
	}

	var out strings.Builder
	capture := func(c protocol.Chunk) {
		if c.Text != "" {
			out.WriteString(c.Text)
		}
		emit(c)
	}

	if opts.Agentic && s.loop != nil {
		err := s.loop.Run(ctx, query, capture)
		if err == nil {
			s.finish(ctx, query, out.String(), opts)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		s.log.Warn("agentic mode failed, falling back", zap.Error(err))
		emit(protocol.TextChunk(fmt.Sprintf(
			"\n[agentic mode unavailable: %v]\nFalling back to standard routing.\n\n", err)))
		out.Reset()
	}

	if opts.MultiAgent && s.routable(opts) {
		err := s.router.Stream(ctx, query, capture)
		if err == nil {
			s.finish(ctx, query, out.String(), opts)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		s.log.Warn("multi-agent routing failed, falling back", zap.Error(err))
		emit(protocol.TextChunk(fmt.Sprintf(
			"\n[multi-agent routing unavailable: %v]\nFalling back to direct execution.\n\n", err)))
		out.Reset()
	}

	// Direct mode.
	instruction := protocol.RestrictionPrefix(opts.Server) + query
	err := s.delegate.Stream(ctx, instruction, capture)
	if err != nil {
		if s.stats != nil {
			s.stats.RecordError()
		}
		if apperrors.IsReasoningExhausted(err) {
			emit(protocol.TextChunk(explainReasoningExhaustion(err)))
			return nil
		}
		return err
	}

	s.finish(ctx, query, out.String(), opts)
	return nil
}

// Ask is the blocking form of Stream.
func (s *Service) Ask(ctx context.Context, query string, opts Options) (string, error) {
	var out strings.Builder
	err := s.Stream(ctx, query, opts, func(c protocol.Chunk) {
		if c.Text != "" {
			out.WriteString(c.Text)
		}
	})
	return out.String(), err
}

// Rate records user feedback on a previous query's response.
func (s *Service) Rate(query string, rating cache.Rating) {
	if s.cache != nil {
		s.cache.Rate(query, rating)
	}
}

// CacheStats returns cache effectiveness numbers.
func (s *Service) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// RuntimeStats returns process-level query metrics, or nil when no
// collector was configured.
func (s *Service) RuntimeStats() *stats.Stats {
	if s.stats == nil {
		return nil
	}
	return s.stats.Collect()
}

// routable reports whether multi-agent routing applies: a router with
// backends to route across and no single-server restriction.
func (s *Service) routable(opts Options) bool {
	if s.router == nil || s.registry == nil || s.registry.Len() == 0 {
		return false
	}
	return opts.Server == "" || opts.Server == "all"
}

// finish stores a successful non-empty response under the original
// query text and records the conversation turn.
func (s *Service) finish(ctx context.Context, query, response string, opts Options) {
	if response == "" {
		return
	}
	if s.cache != nil {
		storeCtx := map[string]string{}
		if opts.Server != "" {
			storeCtx["server"] = opts.Server
		}
		s.cache.Store(query, response, cache.StoreOptions{
			SessionID: opts.SessionID,
			Context:   storeCtx,
		})
	}
	s.recordHistory(ctx, opts.SessionID, query, response)
}

func (s *Service) recordHistory(ctx context.Context, sessionID, query, response string) {
	if s.history == nil || sessionID == "" {
		return
	}
	if err := s.history.Append(ctx, sessionID, "user", query); err != nil {
		s.log.Warn("history write failed", zap.Error(err))
		return
	}
	if err := s.history.Append(ctx, sessionID, "assistant", response); err != nil {
		s.log.Warn("history write failed", zap.Error(err))
	}
}

// explainReasoningExhaustion turns a step-budget error into an
// actionable message instead of a raw error string.
func explainReasoningExhaustion(err error) string {
	return fmt.Sprintf(`I couldn't finish this request: the agent reached its reasoning step limit.

This usually means one of:
  - The query is ambiguous, so the agent kept trying different interpretations
  - The connected tool servers don't expose the tools this request needs
  - The request covers too much at once and should be split into smaller questions

Try rephrasing the request, or restricting it to a single backend.

Technical detail: %v`, err)
}
