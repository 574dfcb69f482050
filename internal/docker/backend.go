package docker

import (
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"

	"github.com/hostwatch/hostwatch/internal/model"
)

// backendFromContainer extracts the Backend snapshot from a container
// inspection: name stripped of the leading slash, env parsed from K=V pairs,
// network id -> first IPv4 address, and the set of exposed ports.
func backendFromContainer(info types.ContainerJSON) *model.Backend {
	b := &model.Backend{
		ID:       info.ID,
		Name:     strings.TrimPrefix(info.Name, "/"),
		Type:     model.BackendContainer,
		Scheme:   "http",
		Networks: map[string]string{},
	}
	if info.Config != nil {
		b.Env = model.ParseEnvList(info.Config.Env)
		b.Labels = info.Config.Labels
	}
	if b.Env == nil {
		b.Env = map[string]string{}
	}
	if info.NetworkSettings != nil {
		for _, endpoint := range info.NetworkSettings.Networks {
			if endpoint.NetworkID != "" {
				b.Networks[endpoint.NetworkID] = endpoint.IPAddress
			}
		}
		for port := range info.NetworkSettings.Ports {
			b.Ports = append(b.Ports, port.Int())
		}
		sort.Ints(b.Ports)
	}
	return b
}

// backendFromService extracts the Backend snapshot from a swarm service: env
// comes from the container spec, addresses are the virtual IPs with the CIDR
// suffix stripped, and ports come from the endpoint spec. Downstream
// consumers treat it exactly like a container backend.
func backendFromService(svc swarm.Service) *model.Backend {
	b := &model.Backend{
		ID:       svc.ID,
		Name:     svc.Spec.Name,
		Type:     model.BackendService,
		Scheme:   "http",
		Labels:   svc.Spec.Labels,
		Networks: map[string]string{},
	}
	if spec := svc.Spec.TaskTemplate.ContainerSpec; spec != nil {
		b.Env = model.ParseEnvList(spec.Env)
	}
	if b.Env == nil {
		b.Env = map[string]string{}
	}
	for _, vip := range svc.Endpoint.VirtualIPs {
		if vip.NetworkID == "" {
			continue
		}
		addr, _, _ := strings.Cut(vip.Addr, "/")
		b.Networks[vip.NetworkID] = addr
	}
	for _, port := range svc.Endpoint.Ports {
		if port.TargetPort != 0 {
			b.Ports = append(b.Ports, int(port.TargetPort))
		}
	}
	sort.Ints(b.Ports)
	return b
}
