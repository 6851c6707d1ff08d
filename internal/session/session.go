// Package session holds the data-model entities that outlive any single
// component: the authenticated Session, the Region(s) the agent is
// connected to, and the capability dictionary each Region carries.
package session

import (
	"net"

	"github.com/postalsys/gridwire/internal/codec"
	"github.com/postalsys/gridwire/internal/identity"
)

// Capabilities is an immutable name -> URL dictionary fetched from a
// region's seed-capability endpoint. Once populated it is shared by value
// between the orchestrator and any async task that needs it; a region
// crossing replaces the dictionary atomically rather than mutating it in
// place.
type Capabilities map[string]string

// URL returns the URL for a named capability and whether it was present.
func (c Capabilities) URL(name string) (string, bool) {
	u, ok := c[name]
	return u, ok
}

// Session is the output of a successful Auth exchange.
type Session struct {
	AgentID           identity.UUID
	SessionID         identity.UUID
	SecureSessionID   identity.UUID
	CircuitCode       uint32
	PrimaryEndpoint   *net.UDPAddr
	SeedCapabilityURL string
	LookAt            codec.Vec3
	OpenIDToken       string

	// RegionHandle is derived from the login response's region_x/region_y
	// global coordinates; the primary Region prefers the handle the
	// simulator reports in AgentMovementComplete and falls back to this.
	RegionHandle identity.RegionHandle

	// StartPosition is the agent's region-local position once
	// AgentMovementComplete has placed it; zero until then.
	StartPosition codec.Vec3

	// SessionCookie is the cookie yielded by the follow-up OpenID token
	// exchange, forwarded on out-of-band HTTP requests (the seed-capability
	// POST in particular). Empty when the grid returned no openid_token or
	// the exchange failed.
	SessionCookie string
}

// Region is a server region identified by a 64-bit handle. The
// engine retains at most one primary Region plus zero or more neighbour
// Regions during a handover, each with its own Circuit.
type Region struct {
	Handle             identity.RegionHandle
	Name               string
	Endpoint           *net.UDPAddr
	Capabilities       Capabilities
	AgentLocalPosition codec.Vec3
}

// PingRecord is the outstanding half of a StartPingCheck/CompletePingCheck
// exchange, kept so a caller can correlate pings across the two packets
// beyond what the Circuit's own RTT estimator tracks (e.g. for
// diagnostics).
type PingRecord struct {
	PingID uint8
	SentAt int64 // unix nanoseconds; avoids importing time for equality in tests
}

// ThrottleProfile names the seven AgentThrottle bandwidth categories. It is
// a named struct rather than a raw [7]float32 so configuration can
// override individual categories by name.
type ThrottleProfile struct {
	Resend  float32
	Land    float32
	Wind    float32
	Cloud   float32
	Task    float32
	Texture float32
	Asset   float32
}

// Array returns the profile in the wire order AgentThrottle expects.
func (t ThrottleProfile) Array() [7]float32 {
	return [7]float32{t.Resend, t.Land, t.Wind, t.Cloud, t.Task, t.Texture, t.Asset}
}
