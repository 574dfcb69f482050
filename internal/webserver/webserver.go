package webserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/docker"
	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/model"
	"github.com/hostwatch/hostwatch/internal/nginx"
	"github.com/hostwatch/hostwatch/internal/throttle"
)

// WebServer is the discovery controller: the single writer of the routing
// model. Every mutation flows through it from the event loop; rebuilds are
// coalesced by the throttler and always operate on a deep copy of the host
// list, so a reader never observes a partial mutation.
type WebServer struct {
	cfg       *config.Config
	docker    *docker.Client
	swarm     *docker.Client
	pre       *Preprocessor
	post      *Postprocessor
	renderer  *nginx.Renderer
	driver    *nginx.Driver
	throttler *throttle.Throttler
	log       logger.Logger

	mu          sync.Mutex
	model       *model.ProxyConfigData
	networks    []string          // reachable network ids, discovery order
	networkName map[string]string // id -> name
	selfID      string
}

func New(cfg *config.Config, dockerClient, swarmClient *docker.Client, post *Postprocessor, renderer *nginx.Renderer, driver *nginx.Driver, log logger.Logger) *WebServer {
	return &WebServer{
		cfg:         cfg,
		docker:      dockerClient,
		swarm:       swarmClient,
		pre:         NewPreprocessor(log),
		post:        post,
		renderer:    renderer,
		driver:      driver,
		throttler:   throttle.New(cfg.ThrottleInterval),
		log:         log,
		model:       model.NewProxyConfigData(),
		networkName: map[string]string{},
	}
}

// SelfID is the controller's own container id, "" when self-identification
// failed.
func (s *WebServer) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// Setup learns the controller's own networks, performs the initial scan and
// starts the proxy engine with the resulting configuration. A failure here
// is fatal to the caller.
func (s *WebServer) Setup(ctx context.Context) error {
	s.learnSelf(ctx)
	if err := s.RescanAll(ctx); err != nil {
		return err
	}

	base, err := s.renderer.RenderBase(s.cfg.ConfDir)
	if err != nil {
		return err
	}
	hostConfig, err := s.renderHosts()
	if err != nil {
		return err
	}
	return s.driver.Setup(base, hostConfig)
}

// learnSelf resolves the controller's container id and attached networks.
// When self-identification fails the configured default network is used
// instead; discovery still works, just without automatic network tracking.
func (s *WebServer) learnSelf(ctx context.Context) {
	selfID, networks, err := s.docker.LearnSelf(ctx)
	if err != nil {
		s.log.Warn("self-identification failed, falling back to default network",
			logger.String("network", s.cfg.DefaultNetwork), logger.Error(err))
		id, nerr := s.docker.NetworkID(ctx, s.cfg.DefaultNetwork)
		if nerr != nil {
			s.log.Error("default network not found", logger.Error(nerr))
			return
		}
		s.mu.Lock()
		s.networks = []string{id}
		s.networkName = map[string]string{id: s.cfg.DefaultNetwork}
		s.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(networks))
	for id := range networks {
		ids = append(ids, id)
	}
	s.mu.Lock()
	s.selfID = selfID
	s.networks = ids
	s.networkName = networks
	s.mu.Unlock()
	s.log.Info("learned own container",
		logger.String("id", selfID), logger.Int("networks", len(networks)))
}

// knownNetworks returns the reachable network ids in discovery order.
func (s *WebServer) knownNetworks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.networks...)
}

// UpdateBackend merges a discovered backend into the model and schedules a
// reload.
func (s *WebServer) UpdateBackend(b *model.Backend) {
	if s.cfg.DockerSwarm == config.SwarmExclude && b.IsServiceTask() {
		s.log.Debug("ignoring swarm task container", logger.String("id", b.ID))
		return
	}
	fragment, err := s.pre.Process(b, s.knownNetworks())
	if err != nil {
		s.log.Warn("backend skipped",
			logger.String("id", b.ID), logger.String("name", b.Name), logger.Error(err))
		return
	}
	if fragment.Len() == 0 {
		return
	}
	s.mu.Lock()
	s.model.Merge(fragment)
	s.mu.Unlock()
	s.log.Info("backend registered",
		logger.String("id", b.ID), logger.String("name", b.Name))
	s.Reload(false, false)
}

// RemoveBackend drops a backend from every location and schedules a reload
// when anything changed.
func (s *WebServer) RemoveBackend(id string) {
	s.mu.Lock()
	removed, emptied := s.model.RemoveBackend(id)
	s.mu.Unlock()
	if !removed {
		return
	}
	for _, key := range emptied {
		s.log.Info("host removed",
			logger.String("hostname", key.Hostname), logger.Int("port", key.Port))
	}
	s.log.Info("backend removed", logger.String("id", id))
	s.Reload(false, false)
}

// HasBackend reports whether the model references the backend id.
func (s *WebServer) HasBackend(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.HasBackend(id)
}

// SelfNetworksChanged re-learns the controller's networks and rescans
// everything; called when the controller's own container joins or leaves a
// network.
func (s *WebServer) SelfNetworksChanged(ctx context.Context) {
	s.learnSelf(ctx)
	if err := s.RescanAll(ctx); err != nil {
		s.log.Error("rescan after network change failed", logger.Error(err))
		return
	}
	s.Reload(false, false)
}

// ReResolveBackend re-inspects a known backend after one of its network
// endpoints changed, updating or removing it.
func (s *WebServer) ReResolveBackend(ctx context.Context, id string) {
	if !s.HasBackend(id) {
		return
	}
	b, err := s.docker.InspectBackend(ctx, id)
	if err != nil {
		s.log.Warn("backend vanished while re-resolving",
			logger.String("id", id), logger.Error(err))
		s.RemoveBackend(id)
		return
	}
	s.RemoveBackend(id)
	s.UpdateBackend(b)
}

// RescanAll rebuilds the model from a full runtime listing plus the static
// hosts file, replacing the previous state.
func (s *WebServer) RescanAll(ctx context.Context) error {
	fresh := model.NewProxyConfigData()
	known := s.knownNetworks()

	statics, err := LoadStaticBackends(s.cfg.StaticHostsFile)
	if err != nil {
		s.log.Error("static hosts file rejected", logger.Error(err))
	}

	var backends []*model.Backend
	if s.cfg.ContainersEnabled() {
		listed, err := s.docker.ListBackends(ctx)
		if err != nil {
			return fmt.Errorf("container listing failed: %w", err)
		}
		backends = append(backends, listed...)
	}
	if s.cfg.ServicesEnabled() && s.swarm != nil {
		services, err := s.swarm.ListServiceBackends(ctx)
		if err != nil {
			return fmt.Errorf("service listing failed: %w", err)
		}
		backends = append(backends, services...)
	}
	backends = append(backends, statics...)

	for _, b := range backends {
		if s.cfg.DockerSwarm == config.SwarmExclude && b.IsServiceTask() {
			continue
		}
		fragment, err := s.pre.Process(b, known)
		if err != nil {
			s.log.Debug("backend skipped during rescan",
				logger.String("id", b.ID), logger.Error(err))
			continue
		}
		fresh.Merge(fragment)
	}

	s.mu.Lock()
	s.model = fresh
	s.mu.Unlock()
	s.log.Info("full rescan complete",
		logger.Int("hosts", fresh.Len()), logger.Int("backends", len(backends)))
	return nil
}

// Reload schedules a throttled rebuild. immediate bypasses the window;
// force pushes the config to the engine even when the text is unchanged.
func (s *WebServer) Reload(immediate, force bool) {
	s.throttler.Throttle(func() {
		if err := s.rebuild(force); err != nil {
			s.log.Error("rebuild failed", logger.Error(err))
		}
	}, immediate)
}

// Rebuild is the forced, unthrottled variant used by the certificate refresh
// scheduler and the admin API.
func (s *WebServer) Rebuild() {
	s.Reload(true, true)
}

func (s *WebServer) rebuild(force bool) error {
	text, err := s.renderHosts()
	if err != nil {
		return err
	}
	_, err = s.driver.Update(text, force)
	return err
}

// renderHosts deep-copies the model, post-processes the clones and renders
// the vhost file.
func (s *WebServer) renderHosts() (string, error) {
	s.mu.Lock()
	hosts := s.model.CloneHosts()
	s.mu.Unlock()

	upstreams := s.post.Run(hosts)
	return s.renderer.Render(nginx.RenderData{Hosts: hosts, Upstreams: upstreams})
}

// HostsSnapshot returns a deep copy of the current hosts for read-only
// consumers like the admin API.
func (s *WebServer) HostsSnapshot() []*model.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.CloneHosts()
}

// Shutdown cancels any pending throttled rebuild and stops the engine.
func (s *WebServer) Shutdown() error {
	s.throttler.Shutdown()
	return s.driver.Stop()
}
