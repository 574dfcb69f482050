package webserver

import (
	"os"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/model"
)

func testPost(t *testing.T) *Postprocessor {
	t.Helper()
	return NewPostprocessor(nil, t.TempDir(), logger.New("error", false))
}

func hostWithBackends(hostname string, backends ...*model.Backend) *model.Host {
	h := model.NewHost(hostname, 80)
	h.Schemes["http"] = true
	loc := model.NewLocation("/")
	for _, b := range backends {
		loc.Add(b, false, true)
	}
	h.Locations["/"] = loc
	return h
}

func TestMintUpstreams(t *testing.T) {
	pp := testPost(t)
	h := hostWithBackends("lb.example.com",
		&model.Backend{ID: "a", Address: "172.18.0.2", Port: 80},
		&model.Backend{ID: "b", Address: "172.18.0.3", Port: 80})

	upstreams := pp.Run([]*model.Host{h})
	if len(upstreams) != 1 {
		t.Fatalf("upstreams = %d, want 1", len(upstreams))
	}
	u := upstreams[0]
	if !strings.HasPrefix(u.Name, "lb.example.com_") || len(u.Name) != len("lb.example.com_")+12 {
		t.Errorf("upstream name = %q", u.Name)
	}
	if h.Locations["/"].Upstream != u.Name {
		t.Error("location not annotated with the upstream name")
	}
	if len(u.Servers) != 2 {
		t.Errorf("servers = %v", u.Servers)
	}
}

func TestMintUpstreamsDeterministicName(t *testing.T) {
	pp := testPost(t)
	build := func(order []string) string {
		backends := []*model.Backend{
			{ID: order[0], Address: "172.18.0." + order[0], Port: 80},
			{ID: order[1], Address: "172.18.0." + order[1], Port: 80},
		}
		h := hostWithBackends("lb.example.com", backends...)
		return pp.Run([]*model.Host{h})[0].Name
	}
	if build([]string{"2", "3"}) != build([]string{"3", "2"}) {
		t.Error("upstream name depends on backend insertion order")
	}
}

func TestMintUpstreamsSharedAcrossHosts(t *testing.T) {
	pp := testPost(t)
	pair := func() []*model.Backend {
		return []*model.Backend{
			{ID: "a", Address: "172.18.0.2", Port: 80},
			{ID: "b", Address: "172.18.0.3", Port: 80},
		}
	}
	h1 := hostWithBackends("a.example.com", pair()...)
	h2 := hostWithBackends("b.example.com", pair()...)

	upstreams := pp.Run([]*model.Host{h1, h2})
	if len(upstreams) != 1 {
		t.Fatalf("same backend set must share one group, got %d", len(upstreams))
	}
	if h1.Locations["/"].Upstream != h2.Locations["/"].Upstream {
		t.Errorf("hosts reference different groups: %q vs %q",
			h1.Locations["/"].Upstream, h2.Locations["/"].Upstream)
	}
	if !strings.HasPrefix(upstreams[0].Name, "a.example.com_") {
		t.Errorf("first claimant should name the group, got %q", upstreams[0].Name)
	}
}

func TestSingleBackendGetsNoUpstream(t *testing.T) {
	pp := testPost(t)
	h := hostWithBackends("solo.example.com",
		&model.Backend{ID: "a", Address: "172.18.0.2", Port: 80})

	upstreams := pp.Run([]*model.Host{h})
	if len(upstreams) != 0 {
		t.Errorf("upstreams = %v, want none", upstreams)
	}
	if h.Locations["/"].Upstream != "" {
		t.Error("single-backend location should proxy directly")
	}
}

func TestStickyDirective(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"true", "ip_hash"},
		{"false", ""},
		{"", ""},
		{"hash $request_uri consistent", "hash $request_uri consistent"},
	}
	for _, tc := range cases {
		backends := []*model.Backend{
			{ID: "a", Env: map[string]string{envStickySession: tc.value}},
			{ID: "b", Env: map[string]string{}},
		}
		if got := stickyDirective(backends); got != tc.want {
			t.Errorf("stickyDirective(%q) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestFlattenRedirects(t *testing.T) {
	pp := testPost(t)
	target := hostWithBackends("new.example.com",
		&model.Backend{ID: "a", Address: "172.18.0.2", Port: 80})

	src := model.NewHost("old.example.com", 80)
	redirect := model.ParseURL("new.example.com")
	src.FullRedirect = &redirect
	src.Extras.Set("security", map[string]string{"admin": "secret"})

	pp.Run([]*model.Host{src, target})

	if target.Extras.Security()["admin"] != "secret" {
		t.Error("redirect source extras not transplanted onto target")
	}
	if len(src.Locations) != 0 || len(src.Extras) != 0 {
		t.Error("redirect source should be emptied")
	}
	if src.FullRedirect == nil {
		t.Error("redirect itself must survive flattening")
	}
}

func TestFlattenRedirectsDropsSelfRedirect(t *testing.T) {
	pp := testPost(t)
	h := hostWithBackends("loop.example.com",
		&model.Backend{ID: "a", Address: "172.18.0.2", Port: 80})
	redirect := model.ParseURL("loop.example.com")
	h.FullRedirect = &redirect

	pp.Run([]*model.Host{h})

	if h.FullRedirect != nil {
		t.Error("redirect to the host's own name must be dropped")
	}
	if len(h.Locations) != 1 {
		t.Error("host must keep serving its locations")
	}
}

func TestFlattenRedirectsSkipsRedirectingTarget(t *testing.T) {
	// a -> b while b -> c: a's extras must not land on b, whose own server
	// block is a bare 301
	pp := testPost(t)
	a := model.NewHost("a.example.com", 80)
	toB := model.ParseURL("b.example.com")
	a.FullRedirect = &toB
	a.Extras.Set("security", map[string]string{"admin": "secret"})

	b := model.NewHost("b.example.com", 80)
	toC := model.ParseURL("c.example.com")
	b.FullRedirect = &toC

	pp.Run([]*model.Host{a, b})

	if b.Extras.Security() != nil {
		t.Error("extras transplanted onto a host that is itself a redirect")
	}
	if a.Extras.Security() == nil {
		t.Error("skipped source must keep its extras")
	}
	if a.FullRedirect == nil || b.FullRedirect == nil {
		t.Error("both redirects must stand")
	}
}

func TestClaimDefaultServerKeepsFirst(t *testing.T) {
	pp := testPost(t)
	first := hostWithBackends("a.example.com",
		&model.Backend{ID: "a", Address: "172.18.0.2", Port: 80})
	second := hostWithBackends("b.example.com",
		&model.Backend{ID: "b", Address: "172.18.0.3", Port: 80})
	first.Extras.Set("default_server", true)
	second.Extras.Set("default_server", true)

	pp.Run([]*model.Host{first, second})

	if first.Extras["default_server"] != true {
		t.Error("first claimant lost the flag")
	}
	if _, ok := second.Extras["default_server"]; ok {
		t.Error("second claimant kept the flag")
	}
}

func TestMaterialiseBasicAuth(t *testing.T) {
	pp := testPost(t)
	h := hostWithBackends("auth.example.com",
		&model.Backend{ID: "a", Address: "172.18.0.2", Port: 80})
	h.Extras.Set("security", map[string]string{"admin": "secret"})

	pp.Run([]*model.Host{h})

	if h.SecurityFile == "" {
		t.Fatal("security file path not recorded")
	}
	data, err := os.ReadFile(h.SecurityFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := strings.TrimSpace(string(data))
	user, hash, ok := strings.Cut(line, ":")
	if !ok || user != "admin" {
		t.Fatalf("htpasswd line = %q", line)
	}
	if !strings.HasPrefix(hash, "$2y$") {
		t.Errorf("hash prefix = %q, want $2y$", hash[:4])
	}
	// the engine's crypt treats $2y$ and $2a$ identically, so verification
	// still passes once the prefix is swapped back
	restored := strings.Replace(hash, "$2y$", "$2a$", 1)
	if err := bcrypt.CompareHashAndPassword([]byte(restored), []byte("secret")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
}
