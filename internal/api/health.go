package api

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/config"
)

// AgentHealth is the status of one agent.
type AgentHealth struct {
	Agent      string `json:"agent"`
	Name       string `json:"name"`
	Registered bool   `json:"registered"`
	Status     string `json:"status"`
	ACPHealthy bool   `json:"acp_healthy"`
	Error      string `json:"error,omitempty"`
}

// HealthResponse is the body of the agents-health route.
type HealthResponse struct {
	Mode          config.Mode   `json:"mode"`
	Agents        []AgentHealth `json:"agents"`
	RegistryError string        `json:"registry_error,omitempty"`
}

// HandleAgentsHealth reports registry status and a live probe for every agent.
// Lookup or probe failures are reported per agent and never fail the route.
func (h *Handler) HandleAgentsHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.agentsHealth(r.Context()))
}

func (h *Handler) agentsHealth(ctx context.Context) HealthResponse {
	resp := HealthResponse{Mode: h.cfg.Mode, Agents: make([]AgentHealth, len(config.Agents))}

	registry := make(map[string]agentex.AgentInfo)
	agents, err := h.platform.ListAgents(ctx)
	if err != nil {
		h.logger.Warn("agent registry unavailable", "error", err)
		resp.RegistryError = err.Error()
	}
	for _, a := range agents {
		registry[a.Name] = a
	}

	var g errgroup.Group
	for i, id := range config.Agents {
		g.Go(func() error {
			resp.Agents[i] = h.agentHealth(ctx, id, registry)
			return nil
		})
	}
	_ = g.Wait()
	return resp
}

func (h *Handler) agentHealth(ctx context.Context, id string, registry map[string]agentex.AgentInfo) AgentHealth {
	name := h.platform.Resolver().AgentName(id)
	out := AgentHealth{Agent: id, Name: name, Status: "unknown"}

	info, ok := registry[name]
	if !ok {
		found, err := h.platform.GetAgentByName(ctx, name)
		if err != nil {
			out.Status = "not_registered"
			out.Error = err.Error()
		} else {
			info, ok = *found, true
		}
	}
	if ok {
		out.Registered = true
		if info.Status != "" {
			out.Status = info.Status
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout.HealthProbe)
	defer cancel()
	if err := h.prober.Probe(probeCtx, id); err != nil {
		h.logger.Debug("agent health probe failed", "agent", id, "error", err)
		if out.Error == "" {
			out.Error = err.Error()
		}
		return out
	}
	out.ACPHealthy = true
	return out
}
