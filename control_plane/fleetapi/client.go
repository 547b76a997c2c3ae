package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/itskum47/FleetForge/control_plane/auth"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/rs/zerolog"
)

// defaultSessionTTL is assumed when a login reply carries no expiry.
const defaultSessionTTL = 12 * time.Hour

const maxResponseBytes = 64 << 20

// Client is an HTTP/JSON control-plane client in the salt-api style:
// POST /login for a token, POST / with a lowstate list for everything else.
type Client struct {
	baseURL      string
	http         *http.Client
	tokens       TokenSource
	limiter      Limiter
	limiterScope string
	log          zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLimiter makes every call consult l under scope before going out.
func WithLimiter(l Limiter, scope string) Option {
	return func(c *Client) {
		c.limiter = l
		c.limiterScope = scope
	}
}

// NewClient creates a client for the control plane at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 0}, // deadlines come from ctx
		log:     logging.WithComponent("fleetapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTokens returns a copy of c that authenticates calls with ts. The session
// manager itself needs an unauthenticated client for Login, hence the copy.
func (c *Client) WithTokens(ts TokenSource) *Client {
	cp := *c
	cp.tokens = ts
	return &cp
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Eauth    string `json:"eauth"`
}

type loginReply struct {
	Return []struct {
		Token  string  `json:"token"`
		Expire float64 `json:"expire"`
		Start  float64 `json:"start"`
	} `json:"return"`
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, creds auth.Credentials) (*auth.Session, error) {
	const op = "fleetapi.login"

	status, body, err := c.post(ctx, op, "/login", "", loginRequest{
		Username: creds.Username,
		Password: creds.Password,
		Eauth:    creds.Backend,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, resilience.FromHTTPStatus(op, status, string(body))
	}

	var reply loginReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, resilience.Wrap(resilience.KindBadRequest, op, err)
	}
	if len(reply.Return) == 0 || reply.Return[0].Token == "" {
		return nil, resilience.New(resilience.KindAuthentication, op, "login reply carried no token")
	}

	r := reply.Return[0]
	expiry := unixFloat(r.Expire)
	if r.Expire == 0 {
		c.log.Warn().Dur("assumed_ttl", defaultSessionTTL).Msg("login reply carried no expiry")
		expiry = time.Now().Add(defaultSessionTTL)
	}
	return &auth.Session{Token: r.Token, Expiry: expiry}, nil
}

func unixFloat(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// --- Transport ---

func (c *Client) post(ctx context.Context, op, path, token string, payload any) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, resilience.Wrap(resilience.KindValidation, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, resilience.Wrap(resilience.KindConfiguration, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.APIRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.APIRequests.WithLabelValues(op, "transport_error").Inc()
		return 0, nil, resilience.FromTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		observability.APIRequests.WithLabelValues(op, "transport_error").Inc()
		return 0, nil, resilience.FromTransport(op, err)
	}
	observability.APIRequests.WithLabelValues(op, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()
	return resp.StatusCode, body, nil
}

type envelope struct {
	Return []json.RawMessage `json:"return"`
}

// call runs one lowstate chunk with the session token. An unauthorized reply
// invalidates the token and the call is retried exactly once.
//
// When the reply has a failing status but still carries a return payload, the
// payload is returned together with the error.
func (c *Client) call(ctx context.Context, op string, lowstate map[string]any) (json.RawMessage, error) {
	if c.tokens == nil {
		return nil, resilience.New(resilience.KindConfiguration, op, "client has no token source")
	}
	if err := c.admit(ctx, op); err != nil {
		return nil, err
	}

	var (
		status int
		body   []byte
	)
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		status, body, err = c.post(ctx, op, "/", token, []map[string]any{lowstate})
		if err != nil {
			return nil, err
		}
		if status != http.StatusUnauthorized || attempt > 0 {
			break
		}

		observability.APIUnauthorizedRetries.Inc()
		c.log.Info().Str("op", op).Msg("token rejected, re-authenticating once")
		if err := c.tokens.Invalidate(ctx); err != nil {
			c.log.Warn().Err(err).Msg("could not invalidate shared token")
		}
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if status < 200 || status > 299 {
		httpErr := resilience.FromHTTPStatus(op, status, string(body))
		if decodeErr == nil && len(env.Return) > 0 {
			return env.Return[0], httpErr
		}
		return nil, httpErr
	}
	if decodeErr != nil {
		return nil, resilience.Wrap(resilience.KindBadRequest, op, decodeErr)
	}
	if len(env.Return) == 0 {
		return nil, resilience.New(resilience.KindBadRequest, op, "reply carried no return payload")
	}
	return env.Return[0], nil
}

// admit consults the rate limiter. Limiter failures do not block calls.
func (c *Client) admit(ctx context.Context, op string) error {
	if c.limiter == nil {
		return nil
	}
	d, err := c.limiter.Allow(ctx, c.limiterScope)
	if err != nil {
		c.log.Warn().Err(err).Str("scope", c.limiterScope).Msg("rate limiter unavailable, allowing call")
		return nil
	}
	if !d.Allowed {
		return resilience.Newf(resilience.KindRateLimit, op, "outbound limit reached for %q, retry after %s", c.limiterScope, d.RetryAfter)
	}
	return nil
}

// --- Wheel (key management) ---

type wheelData struct {
	Data struct {
		Return  json.RawMessage `json:"return"`
		Success bool            `json:"success"`
	} `json:"data"`
}

func (c *Client) wheel(ctx context.Context, op, fun string, extra map[string]any) (json.RawMessage, error) {
	low := map[string]any{"client": "wheel", "fun": fun}
	for k, v := range extra {
		low[k] = v
	}
	raw, err := c.call(ctx, op, low)
	if err != nil {
		return nil, err
	}

	var wd wheelData
	if err := json.Unmarshal(raw, &wd); err != nil {
		return nil, resilience.Wrap(resilience.KindBadRequest, op, err)
	}
	if !wd.Data.Success {
		var msg string
		if json.Unmarshal(wd.Data.Return, &msg) != nil {
			msg = string(wd.Data.Return)
		}
		return nil, resilience.Newf(resilience.KindBadRequest, op, "%s failed: %s", fun, msg)
	}
	return wd.Data.Return, nil
}

type keyPartitions struct {
	Minions         json.RawMessage `json:"minions"`
	MinionsPre      json.RawMessage `json:"minions_pre"`
	MinionsRejected json.RawMessage `json:"minions_rejected"`
	MinionsDenied   json.RawMessage `json:"minions_denied"`
}

// idList decodes one key partition. An absent or null partition is empty.
func idList(op, name string, raw json.RawMessage) ([]string, error) {
	var ids []string
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, resilience.Newf(resilience.KindBadRequest, op, "malformed %s partition: %v", name, err)
	}
	return ids, nil
}

func (c *Client) ListAllKeys(ctx context.Context) (*KeySets, error) {
	const op = "fleetapi.list_all_keys"
	raw, err := c.wheel(ctx, op, "key.list_all", nil)
	if err != nil {
		return nil, err
	}
	var p keyPartitions
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, resilience.Wrap(resilience.KindBadRequest, op, err)
	}

	var sets KeySets
	for _, part := range []struct {
		name string
		raw  json.RawMessage
		dst  *[]string
	}{
		{"minions", p.Minions, &sets.Accepted},
		{"minions_pre", p.MinionsPre, &sets.Pending},
		{"minions_rejected", p.MinionsRejected, &sets.Rejected},
		{"minions_denied", p.MinionsDenied, &sets.Denied},
	} {
		if *part.dst, err = idList(op, part.name, part.raw); err != nil {
			return nil, err
		}
	}
	return &sets, nil
}

func (c *Client) KeyFingerprint(ctx context.Context, id string) (Fingerprints, error) {
	const op = "fleetapi.key_fingerprint"
	raw, err := c.wheel(ctx, op, "key.finger", map[string]any{"match": id})
	if err != nil {
		return nil, err
	}
	var p map[string]map[string]string
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, resilience.Wrap(resilience.KindBadRequest, op, err)
	}

	fps := Fingerprints{}
	for partition, state := range map[string]KeyState{
		"minions_pre":      KeyPending,
		"minions":          KeyAccepted,
		"minions_rejected": KeyRejected,
		"minions_denied":   KeyDenied,
	} {
		if fp, ok := p[partition][id]; ok {
			fps[state] = fp
		}
	}
	return fps, nil
}

func (c *Client) mutateKey(ctx context.Context, op, fun, id string) error {
	_, err := c.wheel(ctx, op, fun, map[string]any{"match": id})
	var re *resilience.Error
	if errors.As(err, &re) {
		return re.WithResource(id)
	}
	return err
}

func (c *Client) AcceptKey(ctx context.Context, id string) error {
	return c.mutateKey(ctx, "fleetapi.accept_key", "key.accept", id)
}

func (c *Client) RejectKey(ctx context.Context, id string) error {
	return c.mutateKey(ctx, "fleetapi.reject_key", "key.reject", id)
}

func (c *Client) DeleteKey(ctx context.Context, id string) error {
	return c.mutateKey(ctx, "fleetapi.delete_key", "key.delete", id)
}

// --- Local (execution on nodes) ---

func (c *Client) local(ctx context.Context, op, target, fun string, args []string, timeout time.Duration) (map[string]any, error) {
	low := map[string]any{
		"client":   "local",
		"tgt":      target,
		"tgt_type": "glob",
		"fun":      fun,
	}
	if len(args) > 0 {
		low["arg"] = args
	}
	if timeout > 0 {
		low["timeout"] = int(timeout.Seconds())
	}

	raw, err := c.call(ctx, op, low)
	if raw == nil {
		return nil, err
	}

	var targets map[string]any
	if decodeErr := json.Unmarshal(raw, &targets); decodeErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, resilience.Wrap(resilience.KindBadRequest, op, decodeErr)
	}
	if targets == nil {
		targets = map[string]any{}
	}
	return targets, err
}

func (c *Client) Ping(ctx context.Context, target string, timeout time.Duration) (map[string]any, error) {
	return c.local(ctx, "fleetapi.ping", target, "test.ping", nil, timeout)
}

func (c *Client) CollectFacts(ctx context.Context, target string) (map[string]any, error) {
	return c.local(ctx, "fleetapi.collect_facts", target, "grains.items", nil, 0)
}

func (c *Client) RunFunction(ctx context.Context, target, function string, args []string, timeout time.Duration) (*RunReturn, error) {
	targets, err := c.local(ctx, "fleetapi.run_function", target, function, args, timeout)
	if targets == nil {
		return nil, err
	}
	return &RunReturn{Targets: targets}, err
}
