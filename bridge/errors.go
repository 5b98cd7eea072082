package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/artery-go/routing"
)

var (
	// ErrInsideLoop is returned by Call when invoked from code running on the loop
	ErrInsideLoop = errors.New("bridge: blocking call from inside the dispatch loop")

	// ErrWorkerRunning is returned by RunWorker while a worker already runs the loop
	ErrWorkerRunning = errors.New("bridge: worker already running")

	// ErrTimeout matches every TimeoutSignal with errors.Is
	ErrTimeout = errors.New("bridge: request timed out")

	// ErrNoCallback is returned by Request without a reply handler
	ErrNoCallback = errors.New("bridge: reply handler is required")
)

// TimeoutSignal is handed to a reply handler when no reply arrived in time
type TimeoutSignal struct {
	Route   routing.Address
	Payload interface{}
	Timeout time.Duration
}

func (s *TimeoutSignal) Error() string {
	return fmt.Sprintf("bridge: request to %s timed out after %s", s.Route, s.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) hold for every TimeoutSignal
func (s *TimeoutSignal) Is(target error) bool {
	return target == ErrTimeout
}
