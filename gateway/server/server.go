// Package server assembles a module server: the admission chain, the registered methods and
// the administrative list operations.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/renlabs-dev/communex/crypto"
	"github.com/renlabs-dev/communex/gateway/accesslist"
	"github.com/renlabs-dev/communex/gateway/admission"
	"github.com/renlabs-dev/communex/gateway/auth"
	"github.com/renlabs-dev/communex/gateway/chain"
	"github.com/renlabs-dev/communex/gateway/endpoint"
	"github.com/renlabs-dev/communex/gateway/identity"
	"github.com/renlabs-dev/communex/gateway/middleware"
	"github.com/renlabs-dev/communex/gateway/ratelimit"
	"github.com/renlabs-dev/communex/gateway/routes"
)

// LimiterKind selects the rate limiter mounted at the end of the chain.
type LimiterKind string

const (
	LimiterStake LimiterKind = "stake"
	LimiterIP    LimiterKind = "ip"
	LimiterNone  LimiterKind = "none"
)

// Stage names as they appear in spans and the admission_decisions_total metric.
const (
	StageLists   = "lists"
	StageInput   = "input"
	StageLimiter = "limiter"
)

// Options configures a ModuleServer. Zero values take the package defaults; Limiter
// defaults to LimiterStake.
type Options struct {
	Keypair *crypto.Keypair
	// Chain answers registration and stake queries. It may be nil only when no subnet
	// whitelist is configured.
	Chain     chain.Client
	Subnets   []uint16
	Staleness time.Duration

	Lists     accesslist.Initial
	ListStore accesslist.Store

	Limiter LimiterKind
	IP      ratelimit.IPOptions
	Stake   ratelimit.StakeOptions

	Identity identity.Options

	Observability *middleware.Observability
	CORS          *middleware.CORSConfig
	Logger        *slog.Logger
	Now           func() time.Time
}

// ModuleServer owns everything a module needs to serve admitted method calls.
type ModuleServer struct {
	keypair  *crypto.Keypair
	lists    *accesslist.Lists
	cache    *identity.Cache
	limiter  ratelimit.Limiter
	ipLimit  *ratelimit.IPLimiter
	registry *endpoint.Registry
	chain    *admission.Chain
	obs      *middleware.Observability
	cors     *middleware.CORSConfig
	logger   *slog.Logger
}

// New builds a module server. The lists are loaded from opts.ListStore when one is given.
func New(ctx context.Context, opts Options) (*ModuleServer, error) {
	if opts.Keypair == nil {
		return nil, fmt.Errorf("server: keypair required")
	}
	if len(opts.Subnets) > 0 && opts.Chain == nil {
		return nil, fmt.Errorf("server: subnet whitelist requires a chain client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	self := opts.Keypair.Identity()
	logger = logger.With(slog.String("module", self.String()))

	lists, err := accesslist.New(ctx, opts.Lists, opts.ListStore)
	if err != nil {
		return nil, fmt.Errorf("server: load access lists: %w", err)
	}

	var cache *identity.Cache
	if len(opts.Subnets) > 0 {
		idOpts := opts.Identity
		if idOpts.Logger == nil {
			idOpts.Logger = logger
		}
		if idOpts.Now == nil {
			idOpts.Now = opts.Now
		}
		cache = identity.New(opts.Chain, idOpts)
	}

	input, err := auth.NewInputVerifier(auth.Options{
		Self:      self,
		Staleness: opts.Staleness,
		Subnets:   opts.Subnets,
		Registry:  cache,
		Logger:    logger,
		Now:       opts.Now,
	})
	if err != nil {
		return nil, err
	}

	srv := &ModuleServer{
		keypair:  opts.Keypair,
		lists:    lists,
		cache:    cache,
		registry: endpoint.NewRegistry(logger),
		obs:      opts.Observability,
		cors:     opts.CORS,
		logger:   logger,
	}

	stages := []admission.Stage{
		{Name: StageLists, Verifier: accesslist.NewVerifier(lists, logger)},
		{Name: StageInput, Verifier: input},
	}
	limiterStage, err := srv.buildLimiter(opts, logger)
	if err != nil {
		return nil, err
	}
	if limiterStage != nil {
		stages = append(stages, admission.Stage{Name: StageLimiter, Verifier: limiterStage})
	}

	var observer admission.Observer
	if opts.Observability != nil {
		observer = opts.Observability
	}
	srv.chain = admission.NewChain(observer, stages...)
	return srv, nil
}

func (s *ModuleServer) buildLimiter(opts Options, logger *slog.Logger) (admission.Verifier, error) {
	kind := LimiterKind(strings.ToLower(strings.TrimSpace(string(opts.Limiter))))
	switch kind {
	case "", LimiterStake:
		stakeOpts := opts.Stake
		stakeOpts.Subnets = opts.Subnets
		if stakeOpts.Logger == nil {
			stakeOpts.Logger = logger
		}
		if stakeOpts.Now == nil {
			stakeOpts.Now = opts.Now
		}
		limiter, err := ratelimit.NewStakeLimiter(opts.Chain, stakeOpts)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		s.limiter = limiter
		return ratelimit.NewStakeVerifier(limiter, logger), nil
	case LimiterIP:
		ipOpts := opts.IP
		if ipOpts.Now == nil {
			ipOpts.Now = opts.Now
		}
		limiter := ratelimit.NewIPLimiter(ipOpts)
		s.limiter = limiter
		s.ipLimit = limiter
		return ratelimit.NewIPVerifier(limiter, logger), nil
	case LimiterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("server: unknown limiter %q", opts.Limiter)
	}
}

// Identity returns the address requests must target.
func (s *ModuleServer) Identity() crypto.Identity { return s.keypair.Identity() }

// Registry is where methods are registered before Handler is called.
func (s *ModuleServer) Registry() *endpoint.Registry { return s.registry }

// Lists exposes the live access lists.
func (s *ModuleServer) Lists() *accesslist.Lists { return s.lists }

// Limiter returns the mounted limiter, or nil when rate limiting is disabled.
func (s *ModuleServer) Limiter() ratelimit.Limiter { return s.limiter }

// Admission returns the verifier chain in front of every method.
func (s *ModuleServer) Admission() *admission.Chain { return s.chain }

// Handler returns the HTTP handler serving every registered method.
func (s *ModuleServer) Handler() (http.Handler, error) {
	return routes.New(routes.Config{
		Registry:      s.registry,
		Admission:     s.chain,
		Observability: s.obs,
		CORS:          s.cors,
	})
}

// Maintain runs background upkeep until ctx is done. With the IP limiter mounted it
// evicts visitors idle for longer than maxIdle every interval.
func (s *ModuleServer) Maintain(ctx context.Context, interval, maxIdle time.Duration) {
	if s.ipLimit == nil {
		<-ctx.Done()
		return
	}
	s.ipLimit.Run(ctx, interval, maxIdle)
}

func (s *ModuleServer) AddToBlacklist(ctx context.Context, id crypto.Identity) error {
	return s.change(ctx, true, accesslist.Blacklist, id.String())
}

func (s *ModuleServer) RemoveFromBlacklist(ctx context.Context, id crypto.Identity) error {
	return s.change(ctx, false, accesslist.Blacklist, id.String())
}

// AddToWhitelist enforces the whitelist from then on, even if it is emptied again.
func (s *ModuleServer) AddToWhitelist(ctx context.Context, id crypto.Identity) error {
	return s.change(ctx, true, accesslist.Whitelist, id.String())
}

func (s *ModuleServer) RemoveFromWhitelist(ctx context.Context, id crypto.Identity) error {
	return s.change(ctx, false, accesslist.Whitelist, id.String())
}

func (s *ModuleServer) AddToIPBlacklist(ctx context.Context, ip string) error {
	return s.change(ctx, true, accesslist.IPBlacklist, ip)
}

func (s *ModuleServer) RemoveFromIPBlacklist(ctx context.Context, ip string) error {
	return s.change(ctx, false, accesslist.IPBlacklist, ip)
}

func (s *ModuleServer) change(ctx context.Context, add bool, kind accesslist.Kind, value string) error {
	var err error
	action := "add"
	if add {
		err = s.lists.Add(ctx, kind, value)
	} else {
		action = "remove"
		err = s.lists.Remove(ctx, kind, value)
	}
	if err != nil {
		return fmt.Errorf("server: %s %s: %w", action, kind, err)
	}
	s.logger.Info("access list changed",
		slog.String("list", string(kind)),
		slog.String("action", action),
		slog.String("value", value))
	return nil
}
