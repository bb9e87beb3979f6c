package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
	"github.com/c360/ctxfed/metric"
	"github.com/c360/ctxfed/ngsild"
)

// Wire constants of the NGSI-LD HTTP binding
const (
	EntitiesPath       = "/ngsi-ld/v1/entities"
	ResultsCountHeader = "NGSILD-Results-Count"
	TenantHeader       = "NGSILD-Tenant"
	RequestIDHeader    = "X-Request-ID"

	mimeJSON   = "application/json"
	mimeJSONLD = "application/ld+json"

	maxResponseBytes = 16 << 20
)

// EntityPath returns the path of one entity.
func EntityPath(id string) string {
	return EntitiesPath + "/" + url.PathEscape(id)
}

// representation options the federation layer never asks peers for
var localOptions = map[string]bool{"keyValues": true, "simplified": true, "concise": true}

// query parameters that only make sense against the local broker
var localParams = []string{"format", "geometryProperty", "lang"}

// RemoteRequest is one outbound call to the source behind Registration.
type RemoteRequest struct {
	Registration *csr.Registration
	Operation    csr.Operation
	Method       string
	Path         string
	Query        url.Values
	Header       http.Header // inbound headers, filtered before forwarding
	Body         []byte
}

// CallOutcome is the classified result of a read call. Exactly one of Warning or the
// result fields is meaningful; a 404 yields neither a warning nor entities.
type CallOutcome struct {
	Registration *csr.Registration
	Entities     []ngsild.Entity
	Count        *int
	Warning      *Warning
}

// CallerConfig tunes the shared HTTP client.
type CallerConfig struct {
	Timeout             time.Duration // per call
	RateLimit           float64       // calls per second across all sources, 0 disables
	RateBurst           int
	MaxIdleConnsPerHost int
	UserAgent           string
	TLS                 *tls.Config // nil keeps the default transport settings
}

// DefaultCallerConfig returns the defaults used by cmd/ctxfed.
func DefaultCallerConfig() CallerConfig {
	return CallerConfig{
		Timeout:             10 * time.Second,
		MaxIdleConnsPerHost: 16,
		UserAgent:           "ctxfed",
	}
}

// Caller performs outbound calls to context sources over one pooled HTTP client and
// classifies their outcomes. Every call reports its outcome to the StatusRecorder.
type Caller struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	limiter   *rate.Limiter
	status    StatusRecorder
	metrics   *metric.FederationMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// CallerOption configures a Caller
type CallerOption func(*Caller)

// WithStatusRecorder sets where call outcomes are reported
func WithStatusRecorder(r StatusRecorder) CallerOption {
	return func(c *Caller) { c.status = r }
}

// WithCallerMetrics sets the federation metrics
func WithCallerMetrics(m *metric.FederationMetrics) CallerOption {
	return func(c *Caller) { c.metrics = m }
}

// WithCallerLogger sets the logger
func WithCallerLogger(logger *slog.Logger) CallerOption {
	return func(c *Caller) { c.logger = logger }
}

// WithHTTPClient replaces the pooled client
func WithHTTPClient(client *http.Client) CallerOption {
	return func(c *Caller) { c.client = client }
}

// NewCaller creates a Caller.
func NewCaller(cfg CallerConfig, opts ...CallerOption) *Caller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallerConfig().Timeout
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = DefaultCallerConfig().MaxIdleConnsPerHost
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	if cfg.TLS != nil {
		transport.TLSClientConfig = cfg.TLS
	}

	c := &Caller{
		client:    &http.Client{Transport: transport},
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		status:    discardStatus{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs a read and classifies it:
//   - 2xx: success, payload decoded as one entity (retrieve) or a list (query)
//   - 404: success without result
//   - other status: MiscellaneousPersistent warning with the response body
//   - undecodable 2xx payload: RevalidationFailed warning
//   - no answer: Miscellaneous warning
func (c *Caller) Call(ctx context.Context, req RemoteRequest) CallOutcome {
	start := c.now()
	out := c.call(ctx, req)

	outcome := metric.OutcomeSuccess
	switch {
	case out.Warning != nil:
		outcome = metric.OutcomeWarning
		c.metrics.RecordWarning(out.Warning.Kind.String())
		c.logger.Warn("Context source call failed",
			"csr_id", req.Registration.ID,
			"endpoint", req.Registration.Endpoint,
			"operation", req.Operation,
			"kind", out.Warning.Kind.String(),
			"error", out.Warning.Detail)
	case out.Entities == nil:
		outcome = metric.OutcomeNotFound
	}
	c.metrics.RecordCall(string(req.Operation), outcome, c.now().Sub(start))
	c.status.RecordStatus(req.Registration, out.Warning == nil, c.now())
	return out
}

func (c *Caller) call(ctx context.Context, req RemoteRequest) CallOutcome {
	out := CallOutcome{Registration: req.Registration}
	warn := func(kind WarningKind, status int, detail string) CallOutcome {
		out.Warning = &Warning{Kind: kind, Status: status, Detail: detail, Registration: req.Registration}
		return out
	}

	resp, body, err := c.do(ctx, req)
	if err != nil {
		return warn(KindMiscellaneous, 0, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return out
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return warn(KindMiscellaneousPersistent, resp.StatusCode, string(body))
	}

	if req.Operation == csr.OpRetrieveEntity {
		e, err := ngsild.DecodeEntity(body)
		if err != nil {
			return warn(KindRevalidationFailed, resp.StatusCode, err.Error())
		}
		out.Entities = []ngsild.Entity{e}
	} else {
		entities, err := ngsild.DecodeEntities(body)
		if err != nil {
			return warn(KindRevalidationFailed, resp.StatusCode, err.Error())
		}
		out.Entities = entities
	}

	if v := resp.Header.Get(ResultsCountHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			out.Count = &n
		}
	}
	return out
}

// CallWrite performs a create, replace or delete. It returns nil when the source applied
// the change; a 207 answer is reported with the source's own problem document.
func (c *Caller) CallWrite(ctx context.Context, req RemoteRequest) *WriteFailure {
	start := c.now()
	failure := c.callWrite(ctx, req)

	outcome := metric.OutcomeSuccess
	if failure != nil {
		outcome = metric.OutcomeError
		c.metrics.RecordWriteError(string(req.Operation))
		c.logger.Warn("Context source write failed",
			"csr_id", req.Registration.ID,
			"endpoint", req.Registration.Endpoint,
			"operation", req.Operation,
			"status", failure.Status,
			"error", failure.Error())
	}
	c.metrics.RecordCall(string(req.Operation), outcome, c.now().Sub(start))
	c.status.RecordStatus(req.Registration, failure == nil, c.now())
	return failure
}

func (c *Caller) callWrite(ctx context.Context, req RemoteRequest) *WriteFailure {
	resp, body, err := c.do(ctx, req)
	if err != nil {
		return &WriteFailure{
			Kind:         FailureGatewayTimeout,
			Status:       http.StatusGatewayTimeout,
			Title:        "Gateway Timeout",
			Detail:       err.Error(),
			Registration: req.Registration,
		}
	}

	if resp.StatusCode == http.StatusMultiStatus {
		f := &WriteFailure{
			Kind:         FailureMultiStatus,
			Status:       resp.StatusCode,
			Title:        "Context source partially applied the change",
			Registration: req.Registration,
		}
		f.Problem, f.Detail = decodeProblem(body)
		return f
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return &WriteFailure{
			Kind:         FailureBadGateway,
			Status:       http.StatusBadGateway,
			Title:        "Bad Gateway",
			Detail:       fmt.Sprintf("context source answered %d without a body", resp.StatusCode),
			Registration: req.Registration,
		}
	}
	f := &WriteFailure{
		Kind:         FailureRemote,
		Status:       resp.StatusCode,
		Title:        "Context source rejected the change",
		Registration: req.Registration,
	}
	f.Problem, f.Detail = decodeProblem(body)
	return f
}

// decodeProblem returns the peer's problem document and its most descriptive text.
func decodeProblem(body []byte) (map[string]any, string) {
	var problem map[string]any
	if err := json.Unmarshal(body, &problem); err != nil {
		return nil, string(body)
	}
	for _, key := range []string{"detail", "title", "type"} {
		if s, ok := problem[key].(string); ok && s != "" {
			return problem, s
		}
	}
	return problem, string(body)
}

// do sends req within the per-call timeout and reads the whole body.
func (c *Caller) do(ctx context.Context, req RemoteRequest) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, nil, describeTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, describeTransportError(err)
	}
	return resp, body, nil
}

func (c *Caller) newRequest(ctx context.Context, req RemoteRequest) (*http.Request, error) {
	target := strings.TrimRight(req.Registration.Endpoint, "/") + req.Path
	if q := stripLocalParams(req.Query); len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target, err)
	}

	in := req.Header
	if in == nil {
		in = http.Header{}
	}
	httpReq.Header.Set("Accept", normalizeAccept(in.Get("Accept")))
	if link := in.Get("Link"); link != "" {
		httpReq.Header.Set("Link", link)
	}
	if tenant := in.Get(TenantHeader); tenant != "" {
		httpReq.Header.Set(TenantHeader, tenant)
	}
	if len(req.Body) > 0 {
		ct := in.Get("Content-Type")
		if ct == "" {
			ct = mimeJSON
		}
		httpReq.Header.Set("Content-Type", ct)
	}
	for _, kv := range req.Registration.ContextSourceInfo {
		if kv.Key != "" {
			httpReq.Header.Set(kv.Key, kv.Value)
		}
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	httpReq.Header.Set(RequestIDHeader, uuid.NewString())
	return httpReq, nil
}

// normalizeAccept keeps JSON-LD when the client asked for it and requests plain JSON
// otherwise; GeoJSON is never requested from a peer.
func normalizeAccept(accept string) string {
	if strings.Contains(accept, mimeJSONLD) {
		return mimeJSONLD
	}
	return mimeJSON
}

func stripLocalParams(q url.Values) url.Values {
	if len(q) == 0 {
		return nil
	}
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	for _, p := range localParams {
		out.Del(p)
	}

	if opts, ok := out["options"]; ok {
		var kept []string
		for _, v := range opts {
			for _, o := range strings.Split(v, ",") {
				if o = strings.TrimSpace(o); o != "" && !localOptions[o] {
					kept = append(kept, o)
				}
			}
		}
		if len(kept) == 0 {
			out.Del("options")
		} else {
			out.Set("options", strings.Join(kept, ","))
		}
	}
	return out
}

func describeTransportError(err error) error {
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", errors.ErrSourceTimeout, err)
	case stderrors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", errors.ErrSourceTimeout, err)
	default:
		return fmt.Errorf("%w: %w", errors.ErrSourceUnreachable, err)
	}
}
