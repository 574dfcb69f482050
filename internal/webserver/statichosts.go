package webserver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hostwatch/hostwatch/internal/model"
)

// staticHostsFile declares vhosts that have no container behind them:
// appliances, VMs, anything with a literal address. Entries reuse the
// directive grammar of the container environment variables.
//
//	hosts:
//	  - virtual_host: "https://nas.example.com -> http://10.0.0.5:8080"
//	    basic_auth: "admin:secret"
//	  - virtual_host: "files.example.com -> http://10.0.0.6:9000/share/"
//	    full_redirect: "dl.example.com -> files.example.com"
type staticHostsFile struct {
	Hosts []staticHostEntry `yaml:"hosts"`
}

type staticHostEntry struct {
	VirtualHost  string `yaml:"virtual_host"`
	BasicAuth    string `yaml:"basic_auth"`
	FullRedirect string `yaml:"full_redirect"`
}

// LoadStaticBackends reads the static hosts file and synthesises one
// pseudo-backend per entry, ready to flow through the normal pre-processing
// path. A missing file is not an error; a malformed one is.
func LoadStaticBackends(path string) ([]*model.Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read static hosts file: %w", err)
	}
	var file staticHostsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse static hosts file: %w", err)
	}

	backends := make([]*model.Backend, 0, len(file.Hosts))
	for i, entry := range file.Hosts {
		if entry.VirtualHost == "" && entry.FullRedirect == "" {
			return nil, fmt.Errorf("static hosts entry %d declares neither virtual_host nor full_redirect", i+1)
		}
		env := map[string]string{}
		if entry.VirtualHost != "" {
			env[envStaticVirtualHost] = entry.VirtualHost
		}
		if entry.BasicAuth != "" {
			env[envBasicAuth] = entry.BasicAuth
		}
		if entry.FullRedirect != "" {
			env[envFullRedirect] = entry.FullRedirect
		}
		backends = append(backends, &model.Backend{
			ID:   fmt.Sprintf("static-%d", i+1),
			Name: fmt.Sprintf("static-%d", i+1),
			Type: model.BackendContainer,
			Env:  env,
		})
	}
	return backends, nil
}
