package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/errs"
)

func xmlRPCStructMember(name, value string) string {
	return fmt.Sprintf(`<member><name>%s</name><value><string>%s</string></value></member>`, name, value)
}

func xmlRPCIntMember(name string, value int) string {
	return fmt.Sprintf(`<member><name>%s</name><value><int>%d</int></value></member>`, name, value)
}

func xmlRPCResponse(members string) string {
	return `<?xml version="1.0"?>` +
		`<methodResponse><params><param><value><struct>` +
		members +
		`</struct></value></param></params></methodResponse>`
}

func okLoginBody() string {
	return xmlRPCResponse(
		xmlRPCStructMember("login", "true") +
			xmlRPCStructMember("agent_id", "11111111-1111-1111-1111-111111111111") +
			xmlRPCStructMember("session_id", "22222222-2222-2222-2222-222222222222") +
			xmlRPCStructMember("secure_session_id", "33333333-3333-3333-3333-333333333333") +
			xmlRPCStructMember("sim_ip", "203.0.113.7") +
			xmlRPCIntMember("sim_port", 13000) +
			xmlRPCIntMember("circuit_code", 1234) +
			xmlRPCIntMember("region_x", 256000) +
			xmlRPCIntMember("region_y", 256256) +
			xmlRPCStructMember("look_at", "[r0.1, r0.2, r0.3]") +
			xmlRPCStructMember("seed_capability", "https://sim.example/caps/seed"),
	)
}

func newTestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHashPasswordFormat(t *testing.T) {
	got := HashPassword("hunter2")
	if len(got) != len("$1$")+32 {
		t.Fatalf("HashPassword length = %d, want %d", len(got), len("$1$")+32)
	}
	if got[:3] != "$1$" {
		t.Fatalf("HashPassword prefix = %q, want $1$", got[:3])
	}
	// Deterministic for the same input.
	if got2 := HashPassword("hunter2"); got != got2 {
		t.Fatalf("HashPassword not deterministic: %q != %q", got, got2)
	}
}

func TestLoginOK(t *testing.T) {
	srv := newTestServer(t, okLoginBody())

	client := NewClient(nil, config.GridConfig{LoginURI: srv.URL}, nil)
	sess, err := client.Login(context.Background(), Credentials{FirstName: "Test", LastName: "Agent", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.CircuitCode != 1234 {
		t.Fatalf("CircuitCode = %d, want 1234", sess.CircuitCode)
	}
	if sess.PrimaryEndpoint.IP.String() != "203.0.113.7" || sess.PrimaryEndpoint.Port != 13000 {
		t.Fatalf("PrimaryEndpoint = %v, want 203.0.113.7:13000", sess.PrimaryEndpoint)
	}
	if sess.SeedCapabilityURL != "https://sim.example/caps/seed" {
		t.Fatalf("SeedCapabilityURL = %q", sess.SeedCapabilityURL)
	}
	if sess.LookAt.X == 0 && sess.LookAt.Y == 0 && sess.LookAt.Z == 0 {
		t.Fatalf("LookAt not parsed: %v", sess.LookAt)
	}
	if sess.RegionHandle.GlobalX() != 256000 || sess.RegionHandle.GlobalY() != 256256 {
		t.Fatalf("RegionHandle = %d (x=%d y=%d), want region_x/region_y packed",
			sess.RegionHandle, sess.RegionHandle.GlobalX(), sess.RegionHandle.GlobalY())
	}
}

func TestLoginRejected(t *testing.T) {
	body := xmlRPCResponse(
		xmlRPCStructMember("login", "false") +
			xmlRPCStructMember("message", "Invalid credentials"),
	)
	srv := newTestServer(t, body)

	client := NewClient(nil, config.GridConfig{LoginURI: srv.URL}, nil)
	_, err := client.Login(context.Background(), Credentials{FirstName: "Test", LastName: "Agent", Password: "wrong"})
	if !errors.Is(err, errs.ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestLoginTOSChallenge(t *testing.T) {
	body := xmlRPCResponse(
		xmlRPCStructMember("login", "false") +
			xmlRPCStructMember("tos_required", "true"),
	)
	srv := newTestServer(t, body)

	client := NewClient(nil, config.GridConfig{LoginURI: srv.URL}, nil)
	_, err := client.Login(context.Background(), Credentials{FirstName: "Test", LastName: "Agent", Password: "hunter2"})
	if !errors.Is(err, errs.ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestLoginMalformedAgentID(t *testing.T) {
	body := xmlRPCResponse(
		xmlRPCStructMember("login", "true") +
			xmlRPCStructMember("agent_id", "not-a-uuid") +
			xmlRPCStructMember("session_id", "22222222-2222-2222-2222-222222222222") +
			xmlRPCStructMember("secure_session_id", "33333333-3333-3333-3333-333333333333") +
			xmlRPCStructMember("sim_ip", "203.0.113.7") +
			xmlRPCIntMember("sim_port", 13000) +
			xmlRPCIntMember("circuit_code", 1234),
	)
	srv := newTestServer(t, body)

	client := NewClient(nil, config.GridConfig{LoginURI: srv.URL}, nil)
	_, err := client.Login(context.Background(), Credentials{FirstName: "Test", LastName: "Agent", Password: "hunter2"})
	if !errors.Is(err, errs.ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestLoginExchangesOpenIDToken(t *testing.T) {
	var gotToken string
	openid := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 256)
		n, _ := r.Body.Read(body)
		gotToken = string(body[:n])
		w.Header().Set("Set-Cookie", "agni_sl_session_id=abc123; Path=/")
	}))
	t.Cleanup(openid.Close)

	body := xmlRPCResponse(
		xmlRPCStructMember("login", "true") +
			xmlRPCStructMember("agent_id", "11111111-1111-1111-1111-111111111111") +
			xmlRPCStructMember("session_id", "22222222-2222-2222-2222-222222222222") +
			xmlRPCStructMember("secure_session_id", "33333333-3333-3333-3333-333333333333") +
			xmlRPCStructMember("sim_ip", "203.0.113.7") +
			xmlRPCIntMember("sim_port", 13000) +
			xmlRPCIntMember("circuit_code", 1234) +
			xmlRPCStructMember("openid_token", "token=xyz&amp;mode=webkit"),
	)
	login := newTestServer(t, body)

	client := NewClient(nil, config.GridConfig{LoginURI: login.URL, OpenIDURI: openid.URL}, nil)
	sess, err := client.Login(context.Background(), Credentials{FirstName: "Test", LastName: "Agent", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if gotToken != "token=xyz&mode=webkit" {
		t.Fatalf("openid body = %q, want entity-decoded token", gotToken)
	}
	if sess.SessionCookie == "" || !strings.Contains(sess.SessionCookie, "agni_sl_session_id=abc123") {
		t.Fatalf("SessionCookie = %q, want the openid Set-Cookie value", sess.SessionCookie)
	}
}

func TestParseCircuitCode(t *testing.T) {
	v, err := ParseCircuitCode("4321")
	if err != nil {
		t.Fatalf("ParseCircuitCode: %v", err)
	}
	if v != 4321 {
		t.Fatalf("v = %d, want 4321", v)
	}
	if _, err := ParseCircuitCode("not-a-number"); err == nil {
		t.Fatalf("expected error for non-numeric input")
	}
}
