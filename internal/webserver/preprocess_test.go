package webserver

import (
	"errors"
	"testing"

	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/model"
)

func testPre() *Preprocessor {
	return NewPreprocessor(logger.New("error", false))
}

func containerBackend(id string, env map[string]string, networks map[string]string, ports ...int) *model.Backend {
	return &model.Backend{
		ID:       id,
		Name:     id,
		Type:     model.BackendContainer,
		Env:      env,
		Networks: networks,
		Ports:    ports,
	}
}

func TestProcessSingleVirtualHost(t *testing.T) {
	b := containerBackend("c1",
		map[string]string{"VIRTUAL_HOST": "example.com"},
		map[string]string{"net1": "172.18.0.2"}, 80)

	data, err := testPre().Process(b, []string{"net1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	host := data.GetHost("example.com", 80)
	if host == nil {
		t.Fatal("host example.com:80 missing")
	}
	loc, ok := host.Locations["/"]
	if !ok {
		t.Fatal("location / missing")
	}
	backends := loc.BackendList()
	if len(backends) != 1 {
		t.Fatalf("backends = %d, want 1", len(backends))
	}
	if backends[0].Address != "172.18.0.2" || backends[0].Port != 80 {
		t.Errorf("target = %s:%d, want 172.18.0.2:80", backends[0].Address, backends[0].Port)
	}
	if host.Secured {
		t.Error("plain http host marked secured")
	}
}

func TestProcessUnreachableNetwork(t *testing.T) {
	b := containerBackend("c1",
		map[string]string{"VIRTUAL_HOST": "example.com"},
		map[string]string{"other": "10.0.0.2"})

	_, err := testPre().Process(b, []string{"net1"})
	var unreachable *UnreachableNetworkError
	if !errors.As(err, &unreachable) {
		t.Fatalf("err = %v, want UnreachableNetworkError", err)
	}
}

func TestProcessPortResolutionChain(t *testing.T) {
	cases := []struct {
		name  string
		env   map[string]string
		ports []int
		want  int
	}{
		{"explicit wins", map[string]string{
			"VIRTUAL_HOST": "a.example.com -> :9000", "VIRTUAL_PORT": "3000"}, []int{8080}, 9000},
		{"virtual port", map[string]string{
			"VIRTUAL_HOST": "a.example.com", "VIRTUAL_PORT": "3000"}, []int{8080, 8081}, 3000},
		{"single exposed", map[string]string{
			"VIRTUAL_HOST": "a.example.com"}, []int{8080}, 8080},
		{"http default", map[string]string{
			"VIRTUAL_HOST": "a.example.com"}, []int{8080, 8081}, 80},
		{"https default", map[string]string{
			"VIRTUAL_HOST": "https://a.example.com"}, []int{8080, 8081}, 443},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := containerBackend("c1", tc.env,
				map[string]string{"net1": "172.18.0.2"}, tc.ports...)
			data, err := testPre().Process(b, []string{"net1"})
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			host := data.FindHost("a.example.com")
			if host == nil {
				t.Fatal("host missing")
			}
			for _, loc := range host.LocationList() {
				for _, target := range loc.BackendList() {
					if target.Port != tc.want {
						t.Errorf("port = %d, want %d", target.Port, tc.want)
					}
				}
			}
		})
	}
}

func TestProcessStaticNeedsTarget(t *testing.T) {
	b := containerBackend("c1",
		map[string]string{"STATIC_VIRTUAL_HOST": "nas.example.com"}, nil)

	data, err := testPre().Process(b, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if data.Len() != 0 {
		t.Error("static directive without target should be dropped")
	}
}

func TestProcessStaticTarget(t *testing.T) {
	b := containerBackend("c1",
		map[string]string{"STATIC_VIRTUAL_HOST": "nas.example.com -> http://10.0.0.5:8080"}, nil)

	data, err := testPre().Process(b, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	host := data.GetHost("nas.example.com", 80)
	if host == nil {
		t.Fatal("host missing")
	}
	target := host.Locations["/"].BackendList()[0]
	if target.Address != "10.0.0.5" || target.Port != 8080 {
		t.Errorf("target = %s:%d, want 10.0.0.5:8080", target.Address, target.Port)
	}
}

func TestProcessLetsencryptUpgrade(t *testing.T) {
	b := containerBackend("c1", map[string]string{
		"VIRTUAL_HOST":     "ws://chat.example.com",
		"LETSENCRYPT_HOST": "chat.example.com",
	}, map[string]string{"net1": "172.18.0.2"}, 80)

	data, err := testPre().Process(b, []string{"net1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	host := data.FindHost("chat.example.com")
	if host == nil {
		t.Fatal("host missing")
	}
	if !host.Schemes["https"] || !host.Schemes["wss"] {
		t.Errorf("schemes = %v, want https+wss", host.Schemes)
	}
	if !host.Secured {
		t.Error("upgraded host should be secured")
	}
}

func TestProcessTrailingSlashAlignment(t *testing.T) {
	b := containerBackend("c1", map[string]string{
		"VIRTUAL_HOST": "app.example.com/api -> :8080/v1/",
	}, map[string]string{"net1": "172.18.0.2"})

	data, err := testPre().Process(b, []string{"net1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	host := data.FindHost("app.example.com")
	if host == nil {
		t.Fatal("host missing")
	}
	if _, ok := host.Locations["/api/"]; !ok {
		t.Errorf("locations = %v, want /api/ after alignment", host.Locations)
	}
}

func TestProcessExtrasInjection(t *testing.T) {
	b := containerBackend("c1", map[string]string{
		"VIRTUAL_HOST": "example.com; proxy_read_timeout 300s; proxy_buffering off",
	}, map[string]string{"net1": "172.18.0.2"}, 80)

	data, err := testPre().Process(b, []string{"net1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	loc := data.GetHost("example.com", 80).Locations["/"]
	injected := loc.Extras.Injected()
	if len(injected) != 2 || injected[0] != "proxy_read_timeout 300s" {
		t.Errorf("injected = %v", injected)
	}
}

func TestProcessBasicAuthScoping(t *testing.T) {
	b := containerBackend("c1", map[string]string{
		"VIRTUAL_HOST":      "example.com",
		"PROXY_BASIC_AUTH":  "admin:secret,ops:hunter2",
		"PROXY_BASIC_AUTH2": "example.com/ -> viewer:ro",
	}, map[string]string{"net1": "172.18.0.2"}, 80)

	data, err := testPre().Process(b, []string{"net1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	host := data.FindHost("example.com")
	creds := host.Extras.Security()
	if creds["admin"] != "secret" || creds["ops"] != "hunter2" || creds["viewer"] != "ro" {
		t.Errorf("security = %v", creds)
	}
}

func TestProcessFullRedirect(t *testing.T) {
	b := containerBackend("c1", map[string]string{
		"VIRTUAL_HOST":        "new.example.com",
		"PROXY_FULL_REDIRECT": "old.example.com,legacy.example.com -> https://new.example.com",
	}, map[string]string{"net1": "172.18.0.2"}, 80)

	data, err := testPre().Process(b, []string{"net1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, src := range []string{"old.example.com", "legacy.example.com"} {
		host := data.FindHost(src)
		if host == nil {
			t.Fatalf("redirect source %s missing", src)
		}
		if host.FullRedirect == nil || host.FullRedirect.Hostname != "new.example.com" {
			t.Errorf("%s redirect = %v", src, host.FullRedirect)
		}
	}
}

func TestProcessMalformedDirectiveDoesNotPoisonBackend(t *testing.T) {
	b := containerBackend("c1", map[string]string{
		"VIRTUAL_HOST":  "-bad-.example.com",
		"VIRTUAL_HOST2": "good.example.com",
	}, map[string]string{"net1": "172.18.0.2"}, 80)

	data, err := testPre().Process(b, []string{"net1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if data.FindHost("good.example.com") == nil {
		t.Error("valid sibling directive should survive a malformed one")
	}
	if data.Len() != 1 {
		t.Errorf("hosts = %d, want 1", data.Len())
	}
}
