// Package health exposes liveness and readiness probes for the channel endpoints of a
// process.
package health

import (
	"fmt"
	"os"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/shmchan/api"
)

// Options configures the probes.
type Options struct {
	// Dir is the channel directory checked for readiness.
	Dir string
	// MinFree is the free space Dir must offer to be ready.
	MinFree uint64
	// Endpoints lists the endpoints whose liveness is checked, typically
	// channel.Endpoints.
	Endpoints func() []api.Endpoint
	// Registry, when set, also exports the check results as Prometheus gauges.
	Registry  prometheus.Registerer
	Namespace string
}

// NewHandler returns an http.Handler serving /live and /ready.
func NewHandler(opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registry != nil {
		h = healthcheck.NewMetricsHandler(opts.Registry, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	if opts.Endpoints != nil {
		h.AddLivenessCheck("endpoints", EndpointsAlive(opts.Endpoints))
	}
	if opts.Dir != "" {
		h.AddReadinessCheck("channel-dir", DirUsable(opts.Dir, opts.MinFree))
	}
	return h
}

// EndpointsAlive fails when any listed endpoint that reports liveness is not alive.
func EndpointsAlive(list func() []api.Endpoint) healthcheck.Check {
	return func() error {
		for _, e := range list() {
			c, ok := e.(api.Checker)
			if !ok {
				continue
			}
			if err := c.Alive(); err != nil {
				return fmt.Errorf("%s %s: %w", e.Role(), e.ID(), err)
			}
		}
		return nil
	}
}

// DirUsable fails when dir is not a writable directory with at least minFree bytes
// available.
func DirUsable(dir string, minFree uint64) healthcheck.Check {
	return func() error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		f, err := os.CreateTemp(dir, ".shmchan-ready-*")
		if err != nil {
			return fmt.Errorf("%s is not writable: %w", dir, err)
		}
		_ = f.Close()
		_ = os.Remove(f.Name())
		if minFree == 0 {
			return nil
		}
		usage, err := disk.Usage(dir)
		if err != nil {
			return err
		}
		if usage.Free < minFree {
			return fmt.Errorf("%s has %d bytes free, want %d", dir, usage.Free, minFree)
		}
		return nil
	}
}
