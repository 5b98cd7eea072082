package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/artery-go/messaging"
	"github.com/glimte/artery-go/routing"
)

type operationKind int

const (
	kindRequest operationKind = iota
	kindPublish
)

func (k operationKind) String() string {
	if k == kindPublish {
		return "publish"
	}
	return "request"
}

// operation is an issued request or publish waiting for its terminal event
type operation struct {
	correlationID string
	route         routing.Address
	payload       interface{}
	deadline      time.Time
	kind          operationKind
	sid           messaging.SubscriptionID
	onReply       ReplyHandler
	onSent        func(ctx context.Context)
}

// pendingSet holds outstanding operations by correlation id. take is the only way
// an operation leaves the set, so reply and timeout cannot both complete one.
type pendingSet struct {
	mu  sync.Mutex
	ops map[string]*operation
}

func newPendingSet() *pendingSet {
	return &pendingSet{ops: make(map[string]*operation)}
}

func (p *pendingSet) add(op *operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[op.correlationID] = op
}

func (p *pendingSet) take(correlationID string) (*operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	op, ok := p.ops[correlationID]
	if ok {
		delete(p.ops, correlationID)
	}
	return op, ok
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ops)
}
