package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all probes together. Probes must honor ctx.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the service cannot work without.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe is a HealthProbe backed by a Ping call.
type PingProbe struct {
	name   string
	pinger Pinger
}

// NewPingProbe creates a probe named name.
func NewPingProbe(name string, pinger Pinger) *PingProbe {
	return &PingProbe{name: name, pinger: pinger}
}

func (p *PingProbe) Name() string { return p.name }

func (p *PingProbe) Check(ctx context.Context) error {
	return p.pinger.Ping(ctx)
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs the probes in order under one shared deadline and answers
// 200 when all pass, 503 otherwise. Mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if len(s.HealthProbes) > 0 {
		resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	}

	for _, probe := range s.HealthProbes {
		err := checkProbe(ctx, probe)
		switch {
		case err == nil:
			resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
			continue
		case errors.Is(err, context.DeadlineExceeded):
			err = errors.New("health check timed out")
		}
		resp.Status = "unhealthy"
		resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

func checkProbe(ctx context.Context, probe HealthProbe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return probe.Check(ctx)
}
