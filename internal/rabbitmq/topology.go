package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange every route is published to
const DefaultExchange = "artery.routes"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name lets the broker
// pick one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the exchange a transport publishes to
type Topology struct {
	Exchange ExchangeDeclaration
}

// DefaultTopology returns a durable topic exchange named DefaultExchange
func DefaultTopology() Topology {
	return Topology{
		Exchange: ExchangeDeclaration{
			Name:    DefaultExchange,
			Type:    amqp.ExchangeTopic,
			Durable: true,
		},
	}
}

// Validate checks the topology before anything is declared
func (t Topology) Validate() error {
	if t.Exchange.Name == "" {
		return fmt.Errorf("%w: exchange name is empty", ErrInvalidTopology)
	}
	switch t.Exchange.Type {
	case amqp.ExchangeTopic, amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeHeaders:
	default:
		return fmt.Errorf("%w: unknown exchange type %q", ErrInvalidTopology, t.Exchange.Type)
	}
	return nil
}

// DeclareExchange declares the exchange on ch
func DeclareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares the queue on ch and returns its name
func DeclareQueue(ch *amqp.Channel, queue QueueDeclaration) (string, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q.Name, nil
}

// BindQueue creates the binding on ch
func BindQueue(ch *amqp.Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "create", Err: err, Timestamp: time.Now()}
	}
	return nil
}
