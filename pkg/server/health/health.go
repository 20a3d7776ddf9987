// Package health reports the readiness of every backend behind the router.
package health

import (
	"context"
	"sort"
	"sync"

	"github.com/polyquery/polyquery/pkg/storage"
)

const (
	StatusServing    = "SERVING"
	StatusNotServing = "NOT_SERVING"
)

// TargetService defines an interface that backends implement for health
// checks.
type TargetService interface {
	IsReady(ctx context.Context) (storage.ReadinessStatus, error)
}

// BackendStatus is the readiness of one backend.
type BackendStatus struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// Report is the result of one check.
type Report struct {
	Status   string                   `json:"status"`
	Backends map[string]BackendStatus `json:"backends"`
}

// Serving reports whether every backend is ready.
func (r Report) Serving() bool { return r.Status == StatusServing }

type Checker struct {
	Targets map[string]TargetService
}

// Check asks every target concurrently. A target that errors is not ready
// and its error becomes the message.
func (c *Checker) Check(ctx context.Context) Report {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]BackendStatus, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := c.Targets[name].IsReady(ctx)
			if err != nil {
				statuses[i] = BackendStatus{Message: err.Error()}
				return
			}
			statuses[i] = BackendStatus{Ready: status.IsReady, Message: status.Message}
		}()
	}
	wg.Wait()

	report := Report{Status: StatusServing, Backends: make(map[string]BackendStatus, len(names))}
	for i, name := range names {
		report.Backends[name] = statuses[i]
		if !statuses[i].Ready {
			report.Status = StatusNotServing
		}
	}
	return report
}
