package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the broker connection across a list of servers and
// reconnects after the connection drops
type ConnectionManager struct {
	urls           []string
	user           string
	password       string
	conn           *amqp.Connection
	current        string
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
	dial           func(url string) (*amqp.Connection, error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithCredentials sets the user and password used for every server that does not
// carry its own
func WithCredentials(user, password string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.user = user
		cm.password = password
	}
}

// WithReconnectDelay sets the wait between reconnection rounds
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection rounds. A negative value
// retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a connection manager over the given servers. Servers
// are tried in order on every connection attempt.
func NewConnectionManager(urls []string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		urls:           append([]string(nil), urls...),
		reconnectDelay: 2 * time.Second,
		maxRetries:     10,
		logger:         slog.Default(),
		done:           make(chan struct{}),
		dial: func(url string) (*amqp.Connection, error) {
			return amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
		},
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Servers returns the configured servers with passwords redacted
func (cm *ConnectionManager) Servers() []string {
	servers := make([]string, len(cm.urls))
	for i, u := range cm.urls {
		servers[i] = SanitizeURL(u)
	}
	return servers
}

// Connect establishes the initial connection to the first reachable server
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}
	if len(cm.urls) == 0 {
		return &ConnectionError{Op: "connect", Err: ErrNoServers, Timestamp: time.Now()}
	}

	conn, url, err := cm.dialAny(ctx)
	if err != nil {
		return err
	}

	cm.attach(conn, url)
	cm.logger.Info("connected to broker", "url", SanitizeURL(url))
	cm.notifyConnected()

	go cm.handleReconnect(cm.notifyClose)

	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}

	return nil
}

// dialAny tries every server once, in order
func (cm *ConnectionManager) dialAny(ctx context.Context) (*amqp.Connection, string, error) {
	var lastErr error
	for _, raw := range cm.urls {
		url, err := cm.withCredentials(raw)
		if err != nil {
			lastErr = err
			continue
		}

		conn, err := cm.dialContext(ctx, url)
		if err == nil {
			return conn, url, nil
		}
		lastErr = err
		cm.logger.Warn("broker unreachable", "url", SanitizeURL(url), "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, "", &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.urls[len(cm.urls)-1]),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  len(cm.urls),
	}
}

func (cm *ConnectionManager) dialContext(ctx context.Context, url string) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-connCtx.Done():
		// A connection that shows up late is closed so it does not leak
		go func() {
			if conn := <-connChan; conn != nil {
				_ = conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// withCredentials injects the configured user and password into url
func (cm *ConnectionManager) withCredentials(url string) (string, error) {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "", &ConnectionError{
			Op:        "parse",
			URL:       SanitizeURL(url),
			Err:       fmt.Errorf("%w: %v", ErrInvalidURL, err),
			Timestamp: time.Now(),
		}
	}
	if cm.user != "" {
		uri.Username = cm.user
		uri.Password = cm.password
	}
	return uri.String(), nil
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection, url string) {
	cm.conn = conn
	cm.current = url
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if !ok && err == nil {
			// Closed by us
			select {
			case <-cm.done:
				return
			default:
			}
		}
		if err != nil {
			cm.logger.Error("connection closed", "error", err)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		if err != nil {
			cm.notifyDisconnected(err)
		} else {
			cm.notifyDisconnected(ErrConnectionClosed)
		}

		cm.reconnect()

	case <-cm.done:
		cm.logger.Debug("connection manager shutting down")
	}
}

// reconnect runs rounds over all servers, waiting reconnectDelay between rounds
func (cm *ConnectionManager) reconnect() {
	retries := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return
		default:
		}

		if cm.maxRetries >= 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.current),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			})
			return
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", retries+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(retries + 1)

		if retries > 0 {
			select {
			case <-time.After(cm.reconnectDelay):
			case <-cm.done:
				return
			}
		}

		conn, url, err := cm.dialAny(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries+1,
				"nextRetryIn", cm.reconnectDelay)
			retries++
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		cm.attach(conn, url)
		notifyClose := cm.notifyClose
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker",
			"url", SanitizeURL(url),
			"attempts", retries+1,
			"duration", time.Since(startTime))
		cm.notifyConnected()

		go cm.handleReconnect(notifyClose)
		return
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
