package health

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/breatheroute/recoveryd/internal/servicecontrol"
)

// EndpointProbe issues a GET to a service URL. Any 2xx is healthy.
type EndpointProbe struct {
	Service string
	URL     string
	Client  *http.Client
}

// Kind implements Probe.
func (p *EndpointProbe) Kind() Kind { return KindEndpoint }

// Target implements Probe.
func (p *EndpointProbe) Target() string { return p.Service }

// Check implements Probe. Transport errors are reported as unhealthy samples
// rather than errors so the detail keeps the URL.
func (p *EndpointProbe) Check(ctx context.Context) (Sample, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	s := Sample{Kind: KindEndpoint, Target: p.Service}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, http.NoBody)
	if err != nil {
		return Sample{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		s.Detail = fmt.Sprintf("GET %s: %v", p.URL, err)
		return s, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	s.Value = float64(resp.StatusCode)
	s.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	s.Detail = fmt.Sprintf("GET %s: %d", p.URL, resp.StatusCode)
	return s, nil
}

// StatusReader reports the process manager's view of a service.
type StatusReader interface {
	Status(ctx context.Context, name string) (servicecontrol.Status, error)
}

// ProcessProbe asks the service controller whether a service is online.
type ProcessProbe struct {
	Service    string
	Controller StatusReader
}

// Kind implements Probe.
func (p *ProcessProbe) Kind() Kind { return KindProcess }

// Target implements Probe.
func (p *ProcessProbe) Target() string { return p.Service }

// Check implements Probe.
func (p *ProcessProbe) Check(ctx context.Context) (Sample, error) {
	st, err := p.Controller.Status(ctx, p.Service)
	if err != nil {
		return Sample{}, fmt.Errorf("status of %s: %w", p.Service, err)
	}
	healthy := st == servicecontrol.StatusOnline
	value := 0.0
	if healthy {
		value = 1
	}
	return Sample{
		Kind:    KindProcess,
		Target:  p.Service,
		Value:   value,
		Healthy: healthy,
		Detail:  string(st),
	}, nil
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe checks connectivity to the application's database.
type DatabaseProbe struct {
	// Owner is the service restarted when the database is unreachable. Empty
	// means the failure is only reported.
	Owner string
	DB    Pinger
}

// Kind implements Probe.
func (p *DatabaseProbe) Kind() Kind { return KindDatabase }

// Target implements Probe.
func (p *DatabaseProbe) Target() string {
	if p.Owner == "" {
		return "database"
	}
	return p.Owner
}

// Check implements Probe.
func (p *DatabaseProbe) Check(ctx context.Context) (Sample, error) {
	s := Sample{Kind: KindDatabase, Target: p.Target()}
	if err := p.DB.Ping(ctx); err != nil {
		s.Detail = fmt.Sprintf("ping: %v", err)
		return s, nil
	}
	s.Value = 1
	s.Healthy = true
	return s, nil
}
