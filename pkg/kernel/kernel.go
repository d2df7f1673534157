// Package kernel is the facade spec §2 calls "Kernel facade": it composes
// the query compiler, authorization resolver, mutation pipeline, cache,
// relational backend, and stream manager into the public operations
// spec §6 names, and owns the one long-lived consumption loop over the
// backend's change-notification firehose.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/product-os/autumndb/pkg/authz"
	"github.com/product-os/autumndb/pkg/autumndberrors"
	"github.com/product-os/autumndb/pkg/cache"
	"github.com/product-os/autumndb/pkg/config"
	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/product-os/autumndb/pkg/database"
	"github.com/product-os/autumndb/pkg/identity"
	"github.com/product-os/autumndb/pkg/mutation"
	"github.com/product-os/autumndb/pkg/schema"
	"github.com/product-os/autumndb/pkg/stream"
)

// Kernel is the public entry point this module exposes. Construct one
// with Open, call Run to start its notification consumption loop, and
// Close to release its connections.
type Kernel struct {
	cfg    *config.Config
	logger *slog.Logger

	backend *database.Backend
	cache   *cache.Cache
	store   *storeFacade

	resolver *authz.Resolver
	pipeline *mutation.Pipeline
	tokens   *identity.TokenManager

	relationships *relationshipSnapshot
	streamMgr     *stream.Manager

	maxTraversalDepth int
	customIsAdmin     authz.IsAdminFunc
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) { k.logger = logger }
}

// WithTokenManager supplies the identity.TokenManager that decodes a
// bearer token into a Session's actor reference (spec §11 DOMAIN STACK:
// "decodes the bearer token backing a Session's actor reference at the
// facade boundary"). Optional: callers building Sessions themselves
// (e.g. tests) never need it.
func WithTokenManager(tm *identity.TokenManager) Option {
	return func(k *Kernel) { k.tokens = tm }
}

// WithIsAdmin overrides the marker resolver's is-admin predicate (spec §9
// Open Question a).
func WithIsAdmin(fn authz.IsAdminFunc) Option {
	return func(k *Kernel) { k.customIsAdmin = fn }
}

// Open connects to the backend, bootstraps its schema, wires the cache,
// resolver, and mutation pipeline, and loads the initial relationship
// snapshot. It does not start the notification loop; call Run for that.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	backend, err := database.Open(database.Options{
		DatabaseURL:      cfg.DatabaseURL,
		StatementTimeout: cfg.StatementTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: open backend: %w", err)
	}

	if err := backend.Bootstrap(ctx, cfg.ListenerChannel); err != nil {
		backend.Close()
		return nil, fmt.Errorf("kernel: bootstrap: %w", err)
	}

	k := &Kernel{
		cfg:               cfg,
		logger:            slog.Default(),
		backend:           backend,
		maxTraversalDepth: cfg.MaxTraversalDepth,
	}
	for _, opt := range opts {
		opt(k)
	}

	k.cache = cache.New(cfg.CacheAddr, cfg.CacheTTL, backend)
	k.store = newStoreFacade(backend, k.cache)
	k.resolver = authz.NewResolver(k.store, k.isAdminFunc)
	k.pipeline = &mutation.Pipeline{
		Types:     k.store,
		Store:     k.store,
		Resolver:  k.resolver,
		Validator: schema.NewValidator(),
	}
	k.relationships = newRelationshipSnapshot()
	k.pipeline.Relationships = k.relationships

	var resume *stream.ResumeCursor
	if cfg.CacheAddr != "" {
		resume = stream.NewResumeCursor(cfg.CacheAddr, "autumndb:stream:resume")
	}
	k.streamMgr = stream.NewManager(k.store, k.cache, k.maxTraversalDepth, resume)

	if err := k.relationships.reload(ctx, k.store, k.maxTraversalDepth); err != nil {
		k.logger.Warn("kernel: initial relationship snapshot load failed", "error", err)
	}

	return k, nil
}

// isAdminFunc defaults to authz.DefaultIsAdmin when no WithIsAdmin option
// was supplied.
func (k *Kernel) isAdminFunc(actor *contracts.Contract) bool {
	if k.customIsAdmin != nil {
		return k.customIsAdmin(actor)
	}
	return authz.DefaultIsAdmin(actor)
}

// Close releases the backend connection pool. Callers that started Run
// should cancel its context first.
func (k *Kernel) Close() error {
	return k.backend.Close()
}

// SessionFromToken decodes a bearer token into a Session, loading the
// actor contract it names. Returns a *permission* error if the token
// names an actor that no longer exists.
func (k *Kernel) SessionFromToken(ctx context.Context, bearerToken string) (*contracts.Session, error) {
	if k.tokens == nil {
		return nil, fmt.Errorf("kernel: no token manager configured")
	}
	claims, err := k.tokens.DecodeToken(bearerToken)
	if err != nil {
		return nil, autumndberrors.Wrap(autumndberrors.CodePermission, "invalid session token", err)
	}
	actor, err := k.store.GetContractBySlug(ctx, claims.ActorSlug+"@latest")
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, autumndberrors.Newf(autumndberrors.CodePermission, "session actor %q does not exist", claims.ActorSlug)
	}
	return &contracts.Session{Actor: actor}, nil
}

// GetContractByID implements spec §6 getContractById.
func (k *Kernel) GetContractByID(ctx context.Context, session *contracts.Session, id string) (*contracts.Contract, error) {
	c, err := k.store.GetContractByID(ctx, id)
	if err != nil || c == nil {
		return c, err
	}
	return k.filterForSession(ctx, session, c)
}

// GetContractBySlug implements spec §6 getContractBySlug.
func (k *Kernel) GetContractBySlug(ctx context.Context, session *contracts.Session, slugAtVersion string) (*contracts.Contract, error) {
	c, err := k.store.GetContractBySlug(ctx, slugAtVersion)
	if err != nil || c == nil {
		return c, err
	}
	return k.filterForSession(ctx, session, c)
}

// filterForSession re-validates c against session's effective read schema
// and returns nil (not an error) when it fails, matching a by-id/by-slug
// lookup of a contract the caller isn't authorized to see.
func (k *Kernel) filterForSession(ctx context.Context, session *contracts.Session, c *contracts.Contract) (*contracts.Contract, error) {
	authSchema, err := k.resolver.Resolve(ctx, session)
	if err != nil {
		return nil, err
	}

	doc, err := contractToMap(c)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(authSchema)
	if err != nil {
		return nil, fmt.Errorf("kernel: marshal auth schema: %w", err)
	}
	if err := k.pipeline.Validator.Validate(raw, doc); err != nil {
		return nil, nil
	}
	return c, nil
}

func contractToMap(c *contracts.Contract) (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("kernel: marshal contract: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("kernel: unmarshal contract: %w", err)
	}
	return m, nil
}

// InsertContract implements spec §6 insertContract.
func (k *Kernel) InsertContract(ctx context.Context, session *contracts.Session, partial contracts.Contract) (*contracts.Contract, error) {
	return k.pipeline.Insert(ctx, session, partial)
}

// ReplaceContract implements spec §6 replaceContract.
func (k *Kernel) ReplaceContract(ctx context.Context, session *contracts.Session, partial contracts.Contract) (*contracts.Contract, error) {
	return k.pipeline.Replace(ctx, session, partial)
}

// PatchContractBySlug implements spec §6 patchContractBySlug.
func (k *Kernel) PatchContractBySlug(ctx context.Context, session *contracts.Session, slugAtVersion string, jsonPatch []byte) (*contracts.Contract, error) {
	slug, version := splitSlugRef(slugAtVersion)
	return k.pipeline.Patch(ctx, session, slug, version, jsonPatch)
}

func splitSlugRef(ref string) (slug, version string) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '@' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}

// Query implements spec §6 query: merge the session's authorization
// schema into the caller's schema, compile, execute, and populate any
// $$links projections the schema requested.
func (k *Kernel) Query(ctx context.Context, session *contracts.Session, querySchema map[string]interface{}, opts schema.Options) ([]*contracts.Contract, error) {
	merged, masked, err := k.mergeAuthSchema(ctx, session, querySchema)
	if err != nil {
		return nil, err
	}

	q, err := schema.Compile(k.store.Table(), merged, opts, k.maxTraversalDepth)
	if err != nil {
		return nil, err
	}
	rows, err := k.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	// $$links projection reads off masked, not the allOf-wrapped merged
	// form (the authorization schema never declares $$links itself, so
	// nesting the lookup one level into the allOf wrapper would miss it
	// entirely) — masked still carries every $$links[verb] target, each
	// already conjoined with the auth schema by MaskLinks.
	if err := k.populateLinks(ctx, masked, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeAuthSchema conjoins querySchema with session's effective read
// schema (spec §4.2 "every query schema is merged (allOf) with it before
// compilation"), and recursively conjoins the same auth schema into every
// $$links[verb] target (spec §4.2 "Link masking") so a caller cannot
// escalate read access by traversing a link to a contract type they
// could not otherwise read directly. Returns both the allOf-wrapped form
// to compile and the masked querySchema on its own (still carrying
// $$links, each target already auth-conjoined) for populateLinks to walk.
func (k *Kernel) mergeAuthSchema(ctx context.Context, session *contracts.Session, querySchema map[string]interface{}) (merged, masked map[string]interface{}, err error) {
	authSchema, err := k.resolver.Resolve(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	masked = authz.MaskLinks(querySchema, authSchema)
	merged = map[string]interface{}{"allOf": []interface{}{masked, authSchema}}
	return merged, masked, nil
}

// Stream implements spec §6 stream: registers a subscription whose
// events are pre-filtered by the session's authorization schema at
// registration time. Per spec §4.4, setSchema(newSchema) later replaces
// the filter in place; a caller wanting the auth schema re-applied after
// a setSchema should re-merge before calling it. The subscription's
// Query method is wired to re-run a query() through this same session,
// satisfying the inbound query(id, schema, options) event.
func (k *Kernel) Stream(ctx context.Context, session *contracts.Session, querySchema map[string]interface{}) (*stream.Subscription, error) {
	merged, _, err := k.mergeAuthSchema(ctx, session, querySchema)
	if err != nil {
		return nil, err
	}
	queryFunc := func(ctx context.Context, reqSchema map[string]interface{}, opts schema.Options) ([]*contracts.Contract, error) {
		return k.Query(ctx, session, reqSchema, opts)
	}
	return k.streamMgr.Subscribe(merged, queryFunc), nil
}

// Unsubscribe implements spec §4.4 "Cancellation".
func (k *Kernel) Unsubscribe(id string) {
	k.streamMgr.Unsubscribe(id)
}

// Status is the getStatus() response shape (spec §6, §12 "getStatus()").
type Status struct {
	Backend database.Status `json:"backend"`
}

// GetStatus implements spec §6 getStatus().
func (k *Kernel) GetStatus(ctx context.Context) Status {
	return Status{Backend: k.backend.HealthStatus(ctx)}
}

// Disconnect implements spec §6 disconnect(): an alias for Close kept
// under the spec's own name for callers following its external interface
// literally.
func (k *Kernel) Disconnect() error {
	return k.Close()
}

// Reset implements spec §12 "reset()": truncates every contract row.
// Refuses unless the kernel was opened with AllowDestructiveOps.
func (k *Kernel) Reset(ctx context.Context) error {
	if !k.cfg.AllowDestructiveOps {
		return autumndberrors.New(autumndberrors.CodePermission, "reset() requires AllowDestructiveOps")
	}
	return k.backend.Truncate(ctx)
}

// Drop implements spec §12 "drop()": drops the schema entirely. Refuses
// unless the kernel was opened with AllowDestructiveOps.
func (k *Kernel) Drop(ctx context.Context) error {
	if !k.cfg.AllowDestructiveOps {
		return autumndberrors.New(autumndberrors.CodePermission, "drop() requires AllowDestructiveOps")
	}
	return k.backend.Drop(ctx)
}

// Run dials the change-notification listener and drives both the stream
// manager's dispatch loop and the relationship snapshot's refresh from a
// single consumption loop, reconnecting with bounded-exponential backoff
// on a dropped listener connection (spec §4.4 "Reconnection"). Blocks
// until ctx is canceled.
func (k *Kernel) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		notifications, err := k.backend.Listen(ctx, k.cfg.DatabaseURL, k.cfg.ListenerChannel)
		if err != nil {
			k.logger.Warn("kernel: listener attach failed", "error", err, "attempt", attempt)
			attempt++
			k.sleep(ctx, stream.ComputeBackoff(attempt, k.backoffPolicy()))
			continue
		}
		k.logger.Info("kernel: listener attached", "channel", k.cfg.ListenerChannel)
		attempt = 0

		if err := k.streamMgr.Catchup(ctx); err != nil {
			k.logger.Warn("kernel: catchup replay failed", "error", err)
		}

		k.consume(ctx, notifications)
		if ctx.Err() != nil {
			return
		}
		k.logger.Warn("kernel: listener channel closed, reconnecting")
	}
}

func (k *Kernel) consume(ctx context.Context, notifications <-chan database.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			k.streamMgr.HandleNotification(ctx, n)
			if n.ContractType == contracts.RelationshipType {
				if err := k.relationships.reload(ctx, k.store, k.maxTraversalDepth); err != nil {
					k.logger.Warn("kernel: relationship snapshot reload failed", "error", err)
				}
			}
		}
	}
}

func (k *Kernel) backoffPolicy() stream.BackoffPolicy {
	return stream.BackoffPolicy{
		BaseMs:      k.cfg.ListenerMinBackoff.Milliseconds(),
		MaxMs:       k.cfg.ListenerMaxBackoff.Milliseconds(),
		MaxJitterMs: 250,
	}
}

func (k *Kernel) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
