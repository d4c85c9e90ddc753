package server

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func requestFrom(remote string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = remote
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestProxyMatcher(t *testing.T) {
	m := newProxyMatcher([]string{"10.0.0.1", "172.16.0.0/12", "bogus", ""}, nil)
	if m == nil {
		t.Fatal("matcher is nil despite valid entries")
	}
	cases := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"10.0.0.2", false},
		{"172.16.5.5", true},
		{"172.32.0.1", false},
		{"192.0.2.1", false},
	}
	for _, tc := range cases {
		if got := m.IsTrusted(net.ParseIP(tc.ip)); got != tc.want {
			t.Errorf("IsTrusted(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestProxyMatcherEmptyIsNil(t *testing.T) {
	if m := newProxyMatcher(nil, nil); m != nil {
		t.Fatal("empty entry list produced a matcher")
	}
	if m := newProxyMatcher([]string{"", "not-an-ip"}, nil); m != nil {
		t.Fatal("all-invalid entry list produced a matcher")
	}
	var m *proxyMatcher
	if m.IsTrusted(net.ParseIP("10.0.0.1")) {
		t.Fatal("nil matcher trusted an address")
	}
}

func TestClientIPUntrustedPeerIgnoresHeaders(t *testing.T) {
	trusted := newProxyMatcher([]string{"10.0.0.1"}, nil)
	r := requestFrom("192.0.2.7:54321", map[string]string{
		"X-Forwarded-For": "203.0.113.9",
	})
	if got := clientIPFromRequest(r, trusted); !got.Equal(net.ParseIP("192.0.2.7")) {
		t.Fatalf("ip = %v, want the peer address", got)
	}
}

func TestClientIPTrustedPeerUsesForwardedChain(t *testing.T) {
	trusted := newProxyMatcher([]string{"10.0.0.0/8"}, nil)

	// Rightmost untrusted hop wins.
	r := requestFrom("10.0.0.1:443", map[string]string{
		"X-Forwarded-For": "203.0.113.9, 198.51.100.2, 10.0.0.5",
	})
	if got := clientIPFromRequest(r, trusted); !got.Equal(net.ParseIP("198.51.100.2")) {
		t.Fatalf("ip = %v, want 198.51.100.2", got)
	}

	// RFC 7239 Forwarded takes precedence over X-Forwarded-For.
	r = requestFrom("10.0.0.1:443", map[string]string{
		"Forwarded":       `for=203.0.113.9;proto=https, for="[2001:db8::1]:8080"`,
		"X-Forwarded-For": "198.51.100.2",
	})
	if got := clientIPFromRequest(r, trusted); !got.Equal(net.ParseIP("2001:db8::1")) {
		t.Fatalf("ip = %v, want 2001:db8::1", got)
	}
}

func TestClientIPAllTrustedChainFallsBackToLeftmost(t *testing.T) {
	trusted := newProxyMatcher([]string{"10.0.0.0/8"}, nil)
	r := requestFrom("10.0.0.1:443", map[string]string{
		"X-Forwarded-For": "10.0.0.9, 10.0.0.5",
	})
	if got := clientIPFromRequest(r, trusted); !got.Equal(net.ParseIP("10.0.0.9")) {
		t.Fatalf("ip = %v, want 10.0.0.9", got)
	}
}

func TestClientIPNoMatcherUsesPeer(t *testing.T) {
	r := requestFrom("[2001:db8::2]:9999", map[string]string{
		"X-Forwarded-For": "203.0.113.9",
	})
	if got := clientIPFromRequest(r, nil); !got.Equal(net.ParseIP("2001:db8::2")) {
		t.Fatalf("ip = %v, want the peer address", got)
	}
}

func TestParseForwardedIPVariants(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"203.0.113.9", "203.0.113.9"},
		{"203.0.113.9:8080", "203.0.113.9"},
		{`"203.0.113.9"`, "203.0.113.9"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"2001:db8::1", "2001:db8::1"},
		{"fe80::1%eth0", "fe80::1"},
		{"unknown", ""},
		{"", ""},
		{"garbage", ""},
	}
	for _, tc := range cases {
		got := parseForwardedIP(tc.in)
		if tc.want == "" {
			if got != nil {
				t.Errorf("parseForwardedIP(%q) = %v, want nil", tc.in, got)
			}
			continue
		}
		if !got.Equal(net.ParseIP(tc.want)) {
			t.Errorf("parseForwardedIP(%q) = %v, want %s", tc.in, got, tc.want)
		}
	}
}

func TestPairToIP(t *testing.T) {
	ip := pairToIP(0, 0x0000ffffc0000201)
	if len(ip) != net.IPv4len {
		t.Fatalf("mapped address came back as %d bytes, want 4", len(ip))
	}
	if !ip.Equal(net.ParseIP("192.0.2.1")) {
		t.Fatalf("ip = %v, want 192.0.2.1", ip)
	}

	v6 := pairToIP(0x20010db800000000, 0x0000000000000001)
	if !v6.Equal(net.ParseIP("2001:db8::1")) {
		t.Fatalf("ip = %v, want 2001:db8::1", v6)
	}
}
