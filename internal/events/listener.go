package events

import (
	"context"
	"errors"
	"strings"
	"time"

	dockerevents "github.com/docker/docker/api/types/events"

	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/docker"
	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/webserver"
)

// resubscribeDelay spaces reconnection attempts after a broken event
// stream.
const resubscribeDelay = 5 * time.Second

var (
	eventKinds   = []string{"container", "network", "service"}
	eventActions = []string{
		"start", "stop", "create", "destroy", "die",
		"connect", "disconnect", "update", "remove", "health_status",
	}
)

// Listener translates runtime events into controller calls. Events are
// handled in arrival order on a single goroutine, which keeps the
// controller's single-writer discipline intact.
type Listener struct {
	cfg    *config.Config
	docker *docker.Client
	swarm  *docker.Client
	server *webserver.WebServer
	log    logger.Logger
	stopCh chan struct{}
}

func New(cfg *config.Config, dockerClient, swarmClient *docker.Client, server *webserver.WebServer, log logger.Logger) *Listener {
	return &Listener{
		cfg:    cfg,
		docker: dockerClient,
		swarm:  swarmClient,
		server: server,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start begins consuming the event stream. The stream is resubscribed
// after transient errors; context cancellation or Stop ends the loop.
func (l *Listener) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop stops the listener.
func (l *Listener) Stop() {
	close(l.stopCh)
}

func (l *Listener) run(ctx context.Context) {
	for {
		msgCh, errCh := l.docker.Events(ctx, eventKinds, eventActions)
		l.log.Info("event stream connected")
		if !l.consume(ctx, msgCh, errCh) {
			return
		}
		select {
		case <-time.After(resubscribeDelay):
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// consume drains one subscription. It returns true when the stream broke
// and should be reopened.
func (l *Listener) consume(ctx context.Context, msgCh <-chan dockerevents.Message, errCh <-chan error) bool {
	for {
		select {
		case msg := <-msgCh:
			l.handle(ctx, msg)
		case err := <-errCh:
			if err == nil || errors.Is(err, context.Canceled) {
				return false
			}
			l.log.Warn("event stream broke, resubscribing", logger.Error(err))
			return true
		case <-l.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg dockerevents.Message) {
	switch string(msg.Type) {
	case "container":
		l.handleContainer(ctx, msg)
	case "network":
		l.handleNetwork(ctx, msg)
	case "service":
		l.handleService(ctx, msg)
	}
}

func (l *Listener) handleContainer(ctx context.Context, msg dockerevents.Message) {
	if !l.cfg.ContainersEnabled() {
		return
	}
	id := msg.Actor.ID
	action := string(msg.Action)
	switch {
	case action == "start" || action == "health_status: healthy":
		b, err := l.docker.InspectBackend(ctx, id)
		if err != nil {
			l.log.Warn("container inspect failed",
				logger.String("id", id), logger.Error(err))
			return
		}
		l.server.UpdateBackend(b)
	case action == "stop" || action == "die" || action == "destroy":
		l.server.RemoveBackend(id)
	case strings.HasPrefix(action, "health_status: unhealthy"):
		l.server.RemoveBackend(id)
	}
}

func (l *Listener) handleNetwork(ctx context.Context, msg dockerevents.Message) {
	action := string(msg.Action)
	if action != "connect" && action != "disconnect" {
		return
	}
	endpoint := msg.Actor.Attributes["container"]
	if endpoint == "" {
		return
	}
	if self := l.server.SelfID(); self != "" && strings.HasPrefix(endpoint, self) {
		l.log.Info("own network membership changed, rescanning",
			logger.String("action", action))
		l.server.SelfNetworksChanged(ctx)
		return
	}
	l.server.ReResolveBackend(ctx, endpoint)
}

func (l *Listener) handleService(ctx context.Context, msg dockerevents.Message) {
	if !l.cfg.ServicesEnabled() || l.swarm == nil {
		return
	}
	id := msg.Actor.ID
	switch string(msg.Action) {
	case "create", "update":
		b, err := l.swarm.InspectServiceBackend(ctx, id)
		if err != nil {
			l.log.Warn("service inspect failed",
				logger.String("id", id), logger.Error(err))
			return
		}
		l.server.RemoveBackend(id)
		l.server.UpdateBackend(b)
	case "remove":
		l.server.RemoveBackend(id)
	}
}
