// Package auth implements the XML-RPC login exchange against the grid's
// login_to_simulator endpoint and extracts the session information the
// orchestrator needs to open the primary circuit.
package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kolo/xmlrpc"

	"github.com/postalsys/gridwire/internal/codec"
	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/errs"
	"github.com/postalsys/gridwire/internal/identity"
	"github.com/postalsys/gridwire/internal/metrics"
	"github.com/postalsys/gridwire/internal/session"
)

// requestOptions is the "options" member of the login_to_simulator call:
// the response sections the engine asks the grid to include.
var requestOptions = []string{
	"inventory-root",
	"inventory-skeleton",
	"gestures",
	"event_categories",
	"event_notifications",
	"classified_categories",
	"adult_compliant",
	"buddy-list",
	"ui-config",
	"login-flags",
	"global-textures",
	"max-agent-groups",
}

// Credentials authenticates one agent against a grid's login endpoint.
type Credentials struct {
	FirstName string
	LastName  string
	Password  string
}

// HashPassword converts a plaintext password into the canonical
// "$1$<md5-hex>" form the login endpoint expects.
func HashPassword(plaintext string) string {
	sum := md5.Sum([]byte(plaintext))
	return "$1$" + hex.EncodeToString(sum[:])
}

// Client performs the login_to_simulator XML-RPC exchange.
type Client struct {
	httpClient *http.Client
	cfg        config.GridConfig
	metrics    *metrics.Metrics

	// ListenPort is the engine's bound UDP port, reported to the grid on
	// the follow-up OpenID exchange. Zero when the transport is not yet
	// bound or the caller does not care.
	ListenPort int
}

// NewClient builds an auth Client. httpClient lets the caller wire in a
// proxy-aware *http.Transport (the HTTP-proxy mode for companion
// traffic); a nil httpClient falls back to http.DefaultClient.
func NewClient(httpClient *http.Client, cfg config.GridConfig, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, cfg: cfg, metrics: m}
}

// loginParams mirrors the structured value login_to_simulator expects.
// kolo/xmlrpc marshals a Go map into the XML-RPC <struct> the method call
// carries as its single parameter.
func (c *Client) loginParams(creds Credentials) map[string]any {
	return map[string]any{
		"first":            creds.FirstName,
		"last":             creds.LastName,
		"passwd":           HashPassword(creds.Password),
		"start":            c.cfg.StartLocation,
		"channel":          c.cfg.Channel,
		"version":          c.cfg.Version,
		"platform":         c.cfg.Platform,
		"platform_string":  c.cfg.Platform,
		"platform_version": c.cfg.Version,
		"mac":              c.cfg.MAC,
		"id0":              c.cfg.ID0,
		"agree_to_tos":     true,
		"read_critical":    true,
		"options":          requestOptions,
	}
}

// loginReply is the subset of the structured response value Login needs.
type loginReply struct {
	Login             string `xmlrpc:"login"`
	Message           string `xmlrpc:"message"`
	AgentID           string `xmlrpc:"agent_id"`
	SessionID         string `xmlrpc:"session_id"`
	SecureSessionID   string `xmlrpc:"secure_session_id"`
	SimIP             string `xmlrpc:"sim_ip"`
	SimPort           int    `xmlrpc:"sim_port"`
	CircuitCode       int64  `xmlrpc:"circuit_code"`
	RegionX           int64  `xmlrpc:"region_x"`
	RegionY           int64  `xmlrpc:"region_y"`
	LookAt            string `xmlrpc:"look_at"`
	StartLocation     string `xmlrpc:"start_location"`
	SeedCapability    string `xmlrpc:"seed_capability"`
	OpenIDToken       string `xmlrpc:"openid_token"`
	TOSRequired       string `xmlrpc:"tos_required"` // presence of a TOS-challenge response
}

// Login performs the login_to_simulator exchange and returns a populated
// Session on success. The XML-RPC call itself does not observe ctx; ctx
// bounds only the follow-up OpenID exchange.
func (c *Client) Login(ctx context.Context, creds Credentials) (*session.Session, error) {
	start := time.Now()
	rpc, err := xmlrpc.NewClient(c.cfg.LoginURI, c.httpClient.Transport)
	if err != nil {
		c.recordFailure("transport")
		return nil, fmt.Errorf("%w: build xmlrpc client: %v", errs.ErrAuthenticationFailed, err)
	}
	defer rpc.Close()

	var reply loginReply
	err = rpc.Call("login_to_simulator", c.loginParams(creds), &reply)
	if c.metrics != nil {
		c.metrics.RecordLoginAttempt(time.Since(start).Seconds())
	}
	if err != nil {
		c.recordFailure("http")
		return nil, fmt.Errorf("%w: login_to_simulator call: %v", errs.ErrAuthenticationFailed, err)
	}

	if reply.TOSRequired != "" {
		c.recordFailure("tos_challenge")
		return nil, fmt.Errorf("%w: terms-of-service challenge returned", errs.ErrAuthenticationFailed)
	}

	if reply.Login != "true" {
		c.recordFailure("rejected")
		msg := reply.Message
		if msg == "" {
			msg = "unknown reason"
		}
		return nil, fmt.Errorf("%w: %s", errs.ErrAuthenticationFailed, msg)
	}

	sess, err := c.toSession(reply)
	if err != nil {
		return nil, err
	}
	if reply.OpenIDToken != "" && c.cfg.OpenIDURI != "" {
		// Best-effort: the UDP login works without the out-of-band cookie.
		sess.SessionCookie = c.exchangeOpenIDToken(ctx, reply.OpenIDToken)
	}
	return sess, nil
}

// exchangeOpenIDToken performs the follow-up OpenID round-trip: the token
// from the login response, with each "&amp;" entity decoded to "&", is
// POSTed form-urlencoded, and the session
// cookie the endpoint sets is returned for use on out-of-band HTTP.
func (c *Client) exchangeOpenIDToken(ctx context.Context, token string) string {
	token = strings.ReplaceAll(token, "&amp;", "&")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenIDURI, strings.NewReader(token))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.ListenPort > 0 {
		req.Header.Set("X-SecondLife-UDP-Listen-Port", strconv.Itoa(c.ListenPort))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("Set-Cookie")
}

func (c *Client) recordFailure(reason string) {
	if c.metrics != nil {
		c.metrics.RecordLoginFailure(reason)
	}
}

func (c *Client) toSession(reply loginReply) (*session.Session, error) {
	agentID, err := identity.Parse(reply.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed agent_id: %v", errs.ErrAuthenticationFailed, err)
	}
	sessionID, err := identity.Parse(reply.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed session_id: %v", errs.ErrAuthenticationFailed, err)
	}
	secureSessionID, err := identity.Parse(reply.SecureSessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed secure_session_id: %v", errs.ErrAuthenticationFailed, err)
	}

	ip := net.ParseIP(reply.SimIP)
	if ip == nil {
		return nil, fmt.Errorf("%w: malformed sim_ip %q", errs.ErrAuthenticationFailed, reply.SimIP)
	}
	endpoint := &net.UDPAddr{IP: ip, Port: reply.SimPort}

	lookAt := parseVec3Triple(reply.LookAt)

	// region_x/region_y are the region's global grid coordinates in
	// meters, which are exactly the two halves of its 64-bit handle.
	handle := identity.RegionHandle(uint64(reply.RegionX)<<32 | uint64(uint32(reply.RegionY)))

	return &session.Session{
		AgentID:           agentID,
		SessionID:         sessionID,
		SecureSessionID:   secureSessionID,
		CircuitCode:       uint32(reply.CircuitCode),
		PrimaryEndpoint:   endpoint,
		SeedCapabilityURL: reply.SeedCapability,
		LookAt:            lookAt,
		RegionHandle:      handle,
		OpenIDToken:       reply.OpenIDToken,
	}, nil
}

// parseVec3Triple parses the login response's "[x, y, z]"-style string
// fields (look_at, and similar) into a Vec3, returning the zero vector on
// any parse failure rather than failing the whole login.
func parseVec3Triple(s string) codec.Vec3 {
	var x, y, z float64
	n, err := fmt.Sscanf(s, "[r%f, r%f, r%f]", &x, &y, &z)
	if err != nil || n != 3 {
		return codec.Vec3{}
	}
	return codec.Vec3{X: float32(x), Y: float32(y), Z: float32(z)}
}

// ParseCircuitCode is a small helper kept for callers that only have the
// raw string form (e.g. a config override) and want the same parsing
// behaviour Login uses internally.
func ParseCircuitCode(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid circuit code %q: %v", errs.ErrAuthenticationFailed, s, err)
	}
	return uint32(v), nil
}
