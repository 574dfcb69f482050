package httpserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/hostwatch/hostwatch/internal/webserver"
)

var startTime = time.Now()

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Version       string  `json:"version,omitempty"`
	Commit        string  `json:"commit,omitempty"`
	BuildDate     string  `json:"build_date,omitempty"`
	GoVersion     string  `json:"go_version,omitempty"`
}

func healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(healthzResponse{
			Status:        "ok",
			Version:       version.Version,
			Commit:        version.Commit,
			BuildDate:     version.BuildDate,
			GoVersion:     version.GoVersion,
			UptimeSeconds: time.Since(startTime).Seconds(),
		})
	}
}

type locationView struct {
	Path      string   `json:"path"`
	Backends  []string `json:"backends"`
	Websocket bool     `json:"websocket,omitempty"`
	Upstream  string   `json:"upstream,omitempty"`
}

type hostView struct {
	Hostname  string         `json:"hostname"`
	Port      int            `json:"port"`
	Schemes   []string       `json:"schemes"`
	Secured   bool           `json:"secured"`
	Redirect  string         `json:"redirect,omitempty"`
	Locations []locationView `json:"locations"`
}

func listHosts(controller *webserver.WebServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hosts := controller.HostsSnapshot()
		views := make([]hostView, 0, len(hosts))
		for _, h := range hosts {
			v := hostView{
				Hostname: h.Hostname,
				Port:     h.Port,
				Secured:  h.Secured,
			}
			for scheme := range h.Schemes {
				v.Schemes = append(v.Schemes, scheme)
			}
			sort.Strings(v.Schemes)
			if h.FullRedirect != nil {
				v.Redirect = h.FullRedirect.String()
			}
			for _, loc := range h.LocationList() {
				lv := locationView{
					Path:      loc.Path,
					Websocket: loc.Websocket,
					Upstream:  loc.Upstream,
				}
				for _, b := range loc.BackendList() {
					lv.Backends = append(lv.Backends, b.Name)
				}
				v.Locations = append(v.Locations, lv)
			}
			views = append(views, v)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(views)
	}
}

func triggerReload(controller *webserver.WebServer, loggerClient logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loggerClient.Info("manual reload triggered via endpoint",
			logger.String("remote_ip", r.RemoteAddr))
		controller.Rebuild()
		w.WriteHeader(http.StatusAccepted)
		if _, err := w.Write([]byte("reload triggered\n")); err != nil {
			loggerClient.Debug("failed to write response", logger.Error(err))
		}
	}
}
