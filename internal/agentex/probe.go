package agentex

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/simulab/internal/config"
)

// Prober checks whether an agent's own health endpoint answers.
type Prober interface {
	Probe(ctx context.Context, agent string) error
}

// HealthProber probes agents over HTTP, or over the gRPC health protocol for agents
// with a configured gRPC health address. Deadlines come from ctx.
type HealthProber struct {
	resolver  *Resolver
	client    Doer
	grpcAddrs map[string]string
}

// NewHealthProber builds a prober for every configured agent.
func NewHealthProber(cfg *config.Config, client Doer) *HealthProber {
	if client == nil {
		client = http.DefaultClient
	}
	addrs := make(map[string]string)
	for id, a := range cfg.AgentsByID {
		if a.GRPCHealthAddr != "" {
			addrs[id] = a.GRPCHealthAddr
		}
	}
	return &HealthProber{
		resolver:  NewResolver(cfg),
		client:    client,
		grpcAddrs: addrs,
	}
}

// Probe returns nil when the agent reports healthy.
func (p *HealthProber) Probe(ctx context.Context, agent string) error {
	if addr, ok := p.grpcAddrs[agent]; ok {
		return probeGRPC(ctx, addr)
	}
	if p.resolver.IsProd() && !p.resolver.IsConfigured() {
		return ErrPlatformNotConfigured
	}

	target := p.resolver.Resolve(agent, "/health")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return fmt.Errorf("build health probe: %w", err)
	}
	req.Header = target.Headers.Clone()

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe: status %d", resp.StatusCode)
	}
	return nil
}

func probeGRPC(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("grpc health probe %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("grpc health probe %s: %w", addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health probe %s: %s", addr, resp.GetStatus())
	}
	return nil
}

var _ Prober = (*HealthProber)(nil)
