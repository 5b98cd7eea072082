package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/artery-go/changelog"
)

// Connectivity is the part of a transport the transport checker needs
type Connectivity interface {
	IsConnected() bool
	Running() bool
}

// TransportChecker reports the broker connection of a transport
type TransportChecker struct {
	transport Connectivity
}

// NewTransportChecker creates a checker for transport
func NewTransportChecker(transport Connectivity) *TransportChecker {
	return &TransportChecker{transport: transport}
}

func (c *TransportChecker) Name() string {
	return "transport"
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.transport.IsConnected()
	running := c.transport.Running()
	result.Details["connected"] = connected
	result.Details["loop_running"] = running

	switch {
	case !connected:
		result.Status = StatusUnhealthy
		result.Message = "Transport is not connected"
	case !running:
		// Connected but nothing dispatches deliveries until a caller borrows the loop
		result.Status = StatusDegraded
		result.Message = "Dispatch loop is not running"
	default:
		result.Status = StatusHealthy
		result.Message = "Transport is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger is implemented by storages that can verify their backing database
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker reports whether the change log can be read
type StorageChecker struct {
	storage changelog.Storage
	model   string
}

// NewStorageChecker creates a checker for storage. When storage has no Ping, the
// checker reads the latest index of model instead.
func NewStorageChecker(storage changelog.Storage, model string) *StorageChecker {
	return &StorageChecker{storage: storage, model: model}
}

func (c *StorageChecker) Name() string {
	return "changelog"
}

func (c *StorageChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var err error
	if pinger, ok := c.storage.(Pinger); ok {
		err = pinger.Ping(ctx)
	}
	if err == nil && c.model != "" {
		var latest int64
		var found bool
		latest, found, err = c.storage.MaxID(ctx, changelog.Filter{Model: c.model})
		if found {
			result.Details["latest_index"] = latest
		}
	}

	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Change log is not readable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Change log is readable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// PendingCounter reports the number of outstanding operations
type PendingCounter interface {
	Pending() int
}

// PendingChecker degrades once outstanding requests pile up
type PendingChecker struct {
	counter   PendingCounter
	threshold int
}

// NewPendingChecker creates a checker that degrades above threshold pending operations
func NewPendingChecker(counter PendingCounter, threshold int) *PendingChecker {
	return &PendingChecker{counter: counter, threshold: threshold}
}

func (c *PendingChecker) Name() string {
	return "pending"
}

func (c *PendingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.counter.Pending()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Outstanding operations are within bounds",
		Timestamp: start,
		Details:   map[string]interface{}{"pending": pending},
	}

	if c.threshold > 0 && pending > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High number of outstanding operations: %d", pending)
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
