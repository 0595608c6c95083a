// Package gateway is the enforcement ingress: it authenticates a caller,
// resolves the presented mandate, asks the evaluator for a decision,
// records the decision on the bus, and forwards allowed requests to their
// target. When the policy store is down it keeps deciding from the policy
// cache (degraded mode, marked on the response); with no cached policy it
// fails closed with 503.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/caracal-sh/caracal/pkg/cache"
	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/evaluator"
	"github.com/caracal-sh/caracal/pkg/eventbus"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/observability"
	"github.com/caracal-sh/caracal/pkg/policy"
)

// Request/response header names.
const (
	HeaderTargetURL     = "X-Caracal-Target-URL"
	HeaderMandate       = "X-Caracal-Mandate"
	HeaderEstimatedCost = "X-Caracal-Estimated-Cost"
	HeaderNonce         = "X-Caracal-Nonce"
	HeaderTimestamp     = "X-Caracal-Timestamp"
	HeaderCorrelationID = "X-Caracal-Correlation-Id"
	HeaderDecision      = "X-Caracal-Decision"
	HeaderDegradedMode  = "X-Caracal-Degraded-Mode"
	HeaderCacheAge      = "X-Caracal-Cache-Age"
)

// Config bounds the gateway's own behavior.
type Config struct {
	UpstreamTimeout time.Duration
	NonceWindow     time.Duration
	MaxSeenNonces   int
	RatePerSecond   int
	RateBurst       int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		UpstreamTimeout: 30 * time.Second,
		NonceWindow:     300 * time.Second,
		MaxSeenNonces:   100000,
		RatePerSecond:   50,
		RateBurst:       100,
	}
}

// StatsSource supplements /stats with component gauges (consumer lag,
// batch queue depth) owned elsewhere.
type StatsSource func(ctx context.Context) map[string]any

// Gateway is the HTTP surface. Wire it with RegisterRoutes.
type Gateway struct {
	auth      Authenticator
	nonces    *NonceGuard
	codec     *mandate.TokenCodec
	mandates  mandate.Store
	policies  policy.Store
	cache     *cache.PolicyCache
	keys      crypto.PublicKeySource
	publisher *eventbus.Publisher
	client    *http.Client
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	timeline *observability.AuditTimeline
	obs      *observability.Provider

	statsMu      sync.Mutex
	statsSources map[string]StatsSource

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(auth Authenticator, codec *mandate.TokenCodec, mandates mandate.Store, policies policy.Store,
	policyCache *cache.PolicyCache, keys crypto.PublicKeySource, publisher *eventbus.Publisher,
	cfg Config, log *slog.Logger) *Gateway {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultConfig().UpstreamTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		auth:         auth,
		nonces:       NewNonceGuard(cfg.NonceWindow, cfg.MaxSeenNonces),
		codec:        codec,
		mandates:     mandates,
		policies:     policies,
		cache:        policyCache,
		keys:         keys,
		publisher:    publisher,
		client:       &http.Client{Timeout: cfg.UpstreamTimeout},
		cfg:          cfg,
		log:          log,
		now:          time.Now,
		statsSources: make(map[string]StatsSource),
		limiters:     make(map[string]*rate.Limiter),
	}
}

// WithClock overrides the time source, for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	g.nonces.WithClock(now)
	return g
}

// WithObservability attaches the OTel provider; every proxied request is
// tracked as an operation, each decision lands in the duration histogram
// with its full attribute set, and forwards get their own client spans.
func (g *Gateway) WithObservability(p *observability.Provider) *Gateway {
	g.obs = p
	return g
}

// WithTimeline attaches an in-process audit timeline; every decision the
// gateway makes is mirrored into it for live querying.
func (g *Gateway) WithTimeline(tl *observability.AuditTimeline) *Gateway {
	g.timeline = tl
	return g
}

// WithHTTPClient swaps the forwarding client, for tests.
func (g *Gateway) WithHTTPClient(client *http.Client) *Gateway {
	g.client = client
	return g
}

// AddStatsSource registers a named gauge provider for /stats.
func (g *Gateway) AddStatsSource(name string, source StatsSource) {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	g.statsSources[name] = source
}

// RegisterRoutes mounts the gateway on mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/stats", g.handleStats)
	mux.HandleFunc("/", g.handleProxy)
}

type errorBody struct {
	DenialKind    string `json:"denial_kind,omitempty"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set(HeaderCorrelationID, correlationID)
	log := g.log.With("correlation_id", correlationID)

	ctx := r.Context()
	if g.obs != nil {
		var finish func(error)
		ctx, finish = g.obs.TrackOperation(ctx, "gateway.proxy",
			observability.AttrCorrelationID.String(correlationID))
		defer func() { finish(nil) }()
		r = r.WithContext(ctx)
	}

	// 1. Authenticate the caller.
	callerID, err := g.auth.Authenticate(r)
	if err != nil {
		log.Info("authentication rejected", "error", err)
		g.writeError(w, http.StatusForbidden, errorBody{
			DenialKind: "authentication_failed", Reason: "caller not authenticated", CorrelationID: correlationID,
		})
		return
	}

	// 2. Replay protection.
	if ok, reason := g.nonces.Check(r.Header.Get(HeaderNonce), r.Header.Get(HeaderTimestamp)); !ok {
		log.Info("replay rejected", "principal", callerID, "reason", reason)
		g.writeError(w, http.StatusForbidden, errorBody{
			DenialKind: "replay_rejected", Reason: reason, CorrelationID: correlationID,
		})
		return
	}

	// Per-principal rate limit.
	if !g.limiterFor(callerID).Allow() {
		g.writeError(w, http.StatusTooManyRequests, errorBody{
			Reason: "rate limit exceeded", CorrelationID: correlationID,
		})
		return
	}

	// 3. Resolve the presented mandate.
	m, status, body := g.resolveMandate(ctx, r.Header.Get(HeaderMandate), correlationID)
	if m == nil {
		g.writeError(w, status, body)
		return
	}

	action := r.Header.Get("X-Caracal-Action")
	if action == "" {
		action = "api_call"
	}
	targetURL := r.Header.Get(HeaderTargetURL)
	if targetURL == "" {
		g.writeError(w, http.StatusBadRequest, errorBody{
			Reason: "missing " + HeaderTargetURL + " header", CorrelationID: correlationID,
		})
		return
	}

	// Policy freshness check, and the degraded-mode pivot when the policy
	// store is down.
	degraded, cacheAge, ok := g.checkPolicyPath(ctx, m.IssuerID)
	if !ok {
		log.Warn("policy store unavailable with no cached policy", "principal", m.IssuerID)
		g.writeError(w, http.StatusServiceUnavailable, errorBody{
			DenialKind: "policy_service_unavailable",
			Reason:     "policy store unreachable and no cached policy", CorrelationID: correlationID,
		})
		return
	}
	if degraded {
		w.Header().Set(HeaderDegradedMode, "true")
		w.Header().Set(HeaderCacheAge, strconv.FormatInt(int64(cacheAge.Seconds()), 10))
	}

	// 4. Decide.
	in := evaluator.Input{
		Mandate:    m,
		Ancestors:  g.loadAncestors(ctx, m),
		IssuerKeys: g.chainKeys(ctx, m),
		Action:     action,
		Resource:   targetResource(r, targetURL),
		Now:        g.now(),
	}
	decideStart := time.Now()
	decision := evaluator.Decide(in)
	g.observeDecision(ctx, m, in, decision, time.Since(decideStart))

	if !decision.Allowed {
		g.emitDecision(ctx, m, in, decision, correlationID)
		w.Header().Set(HeaderDecision, "denied")
		g.writeError(w, http.StatusForbidden, errorBody{
			DenialKind: string(decision.DenialKind), Reason: decision.Reason, CorrelationID: correlationID,
		})
		return
	}

	// 5. Forward and meter.
	w.Header().Set(HeaderDecision, "allowed")
	g.emitDecision(ctx, m, in, decision, correlationID)
	g.meter(ctx, m, r.Header.Get(HeaderEstimatedCost), correlationID)
	g.forward(w, r, targetURL, correlationID)
}

// observeDecision feeds the decision into the RED metrics and the current
// span, with the shared attribute vocabulary.
func (g *Gateway) observeDecision(ctx context.Context, m *mandate.Mandate, in evaluator.Input, d evaluator.Decision, took time.Duration) {
	if g.obs == nil {
		return
	}
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	attrs := observability.DecisionAttrs(m.SubjectID, m.MandateID, in.Action, in.Resource,
		outcome, string(d.DenialKind), float64(took.Microseconds())/1000.0)
	g.obs.RecordDuration(ctx, took, attrs...)
	observability.AddSpanEvent(ctx, "authority.decision", attrs...)
}

// resolveMandate decodes the inline JWS and swaps in the stored row, which
// carries the authoritative revocation state.
func (g *Gateway) resolveMandate(ctx context.Context, token, correlationID string) (*mandate.Mandate, int, errorBody) {
	notFound := errorBody{DenialKind: "mandate_not_found", Reason: "mandate could not be resolved", CorrelationID: correlationID}
	if token == "" {
		return nil, http.StatusForbidden, notFound
	}

	decoded, err := g.codec.Decode(ctx, token)
	if err != nil {
		g.log.Info("mandate token rejected", "correlation_id", correlationID, "error", err)
		return nil, http.StatusForbidden, notFound
	}

	stored, err := g.mandates.Get(ctx, decoded.MandateID)
	if err != nil {
		// Mandate store down: the verified token itself is still evidence,
		// but without revocation state it only serves in degraded mode,
		// which checkPolicyPath gates further down.
		g.log.Warn("mandate store unavailable, using verified token",
			"correlation_id", correlationID, "mandate_id", decoded.MandateID)
		return decoded, 0, errorBody{}
	}
	if stored == nil {
		return nil, http.StatusForbidden, notFound
	}
	return stored, 0, errorBody{}
}

// checkPolicyPath touches the policy store for the issuer. On success the
// cache is re-warmed and the request is normal-mode. On a store error, a
// fresh-enough cached policy keeps the gateway deciding (degraded mode);
// no cache means fail closed.
func (g *Gateway) checkPolicyPath(ctx context.Context, issuerID string) (degraded bool, cacheAge time.Duration, ok bool) {
	pol, err := g.policies.ActivePolicy(ctx, issuerID)
	if err == nil {
		if pol != nil {
			g.cache.Put(issuerID, pol)
		}
		return false, 0, true
	}

	entry, hit := g.cache.Get(issuerID)
	if !hit {
		return false, 0, false
	}
	return true, entry.Age(g.now()), true
}

// loadAncestors walks parent links so the evaluator can re-check the whole
// chain. A broken walk yields a partial map, which the evaluator treats as
// a scope escalation (fail closed).
func (g *Gateway) loadAncestors(ctx context.Context, m *mandate.Mandate) map[string]*mandate.Mandate {
	if m.ParentMandateID == "" {
		return nil
	}
	out := make(map[string]*mandate.Mandate)
	currentID := m.ParentMandateID
	for depth := 0; currentID != "" && depth < 64; depth++ {
		parent, err := g.mandates.Get(ctx, currentID)
		if err != nil || parent == nil {
			break
		}
		out[parent.MandateID] = parent
		currentID = parent.ParentMandateID
	}
	return out
}

// chainKeys resolves the signer key for the mandate and each ancestor.
func (g *Gateway) chainKeys(ctx context.Context, m *mandate.Mandate) map[string][]byte {
	out := make(map[string][]byte)
	add := func(keyID string) {
		if keyID == "" {
			return
		}
		if _, done := out[keyID]; done {
			return
		}
		if pub, err := g.keys.PublicKeyFor(ctx, keyID); err == nil {
			out[keyID] = pub
		}
	}
	add(m.SignerKeyID)
	for _, ancestor := range g.loadAncestors(ctx, m) {
		add(ancestor.SignerKeyID)
	}
	return out
}

func (g *Gateway) emitDecision(ctx context.Context, m *mandate.Mandate, in evaluator.Input, d evaluator.Decision, correlationID string) {
	decision := "allowed"
	if !d.Allowed {
		decision = "denied"
	}
	if g.timeline != nil {
		_ = g.timeline.Record(observability.TimelineEntry{
			EntryType:     observability.EntryTypeDecision,
			CorrelationID: correlationID,
			PrincipalID:   m.SubjectID,
			Actor:         m.SubjectID,
			Summary:       fmt.Sprintf("%s %s on %s", decision, in.Action, in.Resource),
			Details: map[string]any{
				"mandate_id": m.MandateID, "denial_kind": string(d.DenialKind), "reason": d.Reason,
			},
		})
	}
	if g.publisher == nil {
		return
	}
	ev := eventbus.AuthorityEvent{
		PrincipalID:       m.SubjectID,
		MandateID:         m.MandateID,
		Decision:          decision,
		DenialReason:      string(d.DenialKind),
		RequestedAction:   in.Action,
		RequestedResource: in.Resource,
		CorrelationID:     correlationID,
	}
	if d.Allowed {
		ev.DenialReason = ""
	}
	if err := g.publisher.PublishDecision(ctx, ev); err != nil {
		// The decision stands; a lost event surfaces through consumer lag
		// monitoring, not through the caller's response.
		g.log.Error("decision event publish failed", "correlation_id", correlationID, "error", err)
		if g.obs != nil {
			g.obs.RecordError(ctx, err, observability.AttrCorrelationID.String(correlationID))
		}
	}
}

func (g *Gateway) meter(ctx context.Context, m *mandate.Mandate, estimatedCost, correlationID string) {
	if g.publisher == nil || estimatedCost == "" {
		return
	}
	cost, err := strconv.ParseInt(estimatedCost, 10, 64)
	if err != nil || cost < 0 {
		g.log.Info("ignoring malformed estimated cost", "correlation_id", correlationID, "value", estimatedCost)
		return
	}
	g.cache.RecordSpend(m.SubjectID, cost)
	_ = g.publisher.PublishMetering(ctx, eventbus.MeteringEvent{
		PrincipalID:   m.SubjectID,
		ResourceType:  "gateway_forward",
		Quantity:      1,
		Cost:          cost,
		Currency:      "USD",
		CorrelationID: correlationID,
	})
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, targetURL, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.UpstreamTimeout)
	defer cancel()

	if g.obs != nil {
		var span trace.Span
		ctx, span = g.obs.StartSpan(ctx, "gateway.forward",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(observability.AttrCorrelationID.String(correlationID)))
		defer span.End()
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, errorBody{
			Reason: "invalid target URL", CorrelationID: correlationID,
		})
		return
	}
	for name, values := range r.Header {
		if isCaracalHeader(name) || name == "Authorization" {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}
	outReq.Header.Set(HeaderCorrelationID, correlationID)

	resp, err := g.client.Do(outReq)
	if err != nil {
		status := http.StatusBadGateway
		reason := "upstream request failed"
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			status = http.StatusGatewayTimeout
			reason = "upstream_timeout"
		}
		if g.obs != nil {
			g.obs.RecordError(ctx, err, observability.AttrCorrelationID.String(correlationID))
		}
		observability.SetSpanStatus(ctx, err)
		g.writeError(w, status, errorBody{Reason: reason, CorrelationID: correlationID})
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]any{}

	g.statsMu.Lock()
	sources := make(map[string]StatsSource, len(g.statsSources))
	for name, src := range g.statsSources {
		sources[name] = src
	}
	g.statsMu.Unlock()

	for name, src := range sources {
		detail := src(r.Context())
		components[name] = detail
		if healthy, ok := detail["healthy"].(bool); ok && !healthy {
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "components": components})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"cache": g.cache.Stats()}

	g.statsMu.Lock()
	sources := make(map[string]StatsSource, len(g.statsSources))
	for name, src := range g.statsSources {
		sources[name] = src
	}
	g.statsMu.Unlock()

	for name, src := range sources {
		out[name] = src(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (g *Gateway) limiterFor(principalID string) *rate.Limiter {
	g.limitMu.Lock()
	defer g.limitMu.Unlock()
	limiter, ok := g.limiters[principalID]
	if !ok {
		rps := g.cfg.RatePerSecond
		if rps <= 0 {
			rps = DefaultConfig().RatePerSecond
		}
		burst := g.cfg.RateBurst
		if burst <= 0 {
			burst = DefaultConfig().RateBurst
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		g.limiters[principalID] = limiter
	}
	return limiter
}

// targetResource maps the forward target into the resource namespace the
// evaluator matches against. Clients may override with an explicit
// X-Caracal-Resource header; otherwise the target URL itself is the
// resource.
func targetResource(r *http.Request, targetURL string) string {
	if res := r.Header.Get("X-Caracal-Resource"); res != "" {
		return res
	}
	return targetURL
}

func isCaracalHeader(name string) bool {
	return len(name) >= 10 && http.CanonicalHeaderKey(name)[:10] == "X-Caracal-"
}

// StatusFromError maps the error taxonomy to the HTTP surface, with the
// caracalerr table as the base.
func StatusFromError(err error) int {
	var kindErr *caracalerr.Error
	if errors.As(err, &kindErr) {
		return caracalerr.HTTPStatus(kindErr.Kind)
	}
	return http.StatusInternalServerError
}
