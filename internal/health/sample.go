// Package health samples system resources and service liveness.
package health

import (
	"context"
	"time"
)

// Kind identifies what a sample measures.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindCPU      Kind = "cpu"
	KindDisk     Kind = "disk"
	KindProcess  Kind = "process"
	KindEndpoint Kind = "endpoint"
	KindDatabase Kind = "database"
)

// HostTarget is the target of resource samples not attributed to a service.
const HostTarget = "host"

// Sample is one immutable observation.
type Sample struct {
	Kind      Kind      `json:"kind"`
	Target    string    `json:"target"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold,omitempty"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Probe produces one sample per call. Probes have no side effects.
type Probe interface {
	Kind() Kind
	Target() string
	Check(ctx context.Context) (Sample, error)
}

// Unhealthy returns the samples that failed.
func Unhealthy(samples []Sample) []Sample {
	var out []Sample
	for _, s := range samples {
		if !s.Healthy {
			out = append(out, s)
		}
	}
	return out
}
