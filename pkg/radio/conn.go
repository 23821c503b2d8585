package radio

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrNotConnected is returned by Send when the connection is down.
	// Callers get no queueing and no retry; the failure is immediate.
	ErrNotConnected = errors.New("radio: not connected")

	// ErrStopped is returned when a stop signal interrupts a multipart send
	// between parts.
	ErrStopped = errors.New("radio: connection stopped")
)

const (
	connectTimeout  = 15 * time.Second
	publishTimeout  = 10 * time.Second
	healthInterval  = time.Second
	backoffInitial  = 2 * time.Second
	backoffMax      = 60 * time.Second
	mqttKeepAlive   = 30 * time.Second
)

// State describes the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives every decoded inbound packet from a connection.
type Handler func(connKey string, pkt Packet)

// TxObserver is notified after each successfully sent message part, before
// the inter-part pacing delay. Used to persist TX history.
type TxObserver func(connKey, part, destinationID string, channel int64)

// ConnOptions configures a Conn.
type ConnOptions struct {
	Host      string
	Port      int
	Name      string
	TopicRoot string // MQTT topic root, e.g. "msh"

	// OnPacket is invoked for every packet decoded from the uplink topic.
	OnPacket Handler
	// OnTx is invoked for every successfully published part.
	OnTx TxObserver
	// OnConnect registers the connection under its key once the transport
	// is open, so inbound events can be attributed back to it.
	OnConnect func(connKey string, c *Conn)

	Log *slog.Logger
}

// Conn maintains a resilient connection to one mesh radio node's MQTT
// endpoint. Loop keeps the transport alive with exponential backoff and a
// one-second health poll; Send enforces the message-splitting rules.
type Conn struct {
	opts ConnOptions
	key  string
	log  *slog.Logger

	clientMu sync.Mutex
	client   mqtt.Client

	connected atomic.Bool
	state     atomic.Int32

	errMu   sync.Mutex
	lastErr error

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConn builds a connection manager for one node. Call Loop to run it.
func NewConn(opts ConnOptions) *Conn {
	key := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.TopicRoot == "" {
		opts.TopicRoot = "msh"
	}
	return &Conn{
		opts: opts,
		key:  key,
		log:  log.With("conn", key),
		stop: make(chan struct{}),
	}
}

// Key returns the stable connection key (host:port).
func (c *Conn) Key() string { return c.key }

// Name returns the configured display name, falling back to the key.
func (c *Conn) Name() string {
	if c.opts.Name != "" {
		return c.opts.Name
	}
	return c.key
}

// IsConnected reports whether the transport is currently open.
func (c *Conn) IsConnected() bool { return c.connected.Load() }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// LastError returns the most recent transport error, if any.
func (c *Conn) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Conn) setError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// Loop keeps the connection alive until Close is called: connect, register,
// poll health once per second, and on any failure tear down and retry with
// exponential backoff (2s doubling to 60s, reset after a successful connect).
func (c *Conn) Loop() {
	bo := NewBackoff(backoffInitial, backoffMax)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.state.Store(int32(StateConnecting))
		client, err := c.dial()
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			c.setError(err)
			c.log.Warn("connect error", "error", err)
			if c.sleep(bo.Next()) {
				return
			}
			continue
		}

		c.clientMu.Lock()
		c.client = client
		c.clientMu.Unlock()
		c.connected.Store(true)
		c.state.Store(int32(StateConnected))
		bo.Reset()
		c.log.Info("connected")

		if c.opts.OnConnect != nil {
			c.opts.OnConnect(c.key, c)
		}

		err = c.watch(client)
		c.teardown(client)
		if err == nil {
			// stop signal
			return
		}
		c.setError(err)
		c.log.Warn("connection lost", "error", err)
		if c.sleep(bo.Next()) {
			return
		}
	}
}

// watch polls connection health at a fixed cadence. It returns nil when the
// stop signal fired and an error when the transport went down.
func (c *Conn) watch(client mqtt.Client) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return nil
		case <-ticker.C:
			if !client.IsConnectionOpen() {
				return errors.New("health poll failed")
			}
		}
	}
}

func (c *Conn) teardown(client mqtt.Client) {
	c.connected.Store(false)
	c.state.Store(int32(StateDisconnected))
	c.clientMu.Lock()
	c.client = nil
	c.clientMu.Unlock()
	client.Disconnect(250)
}

// dial opens the MQTT connection and subscribes to the JSON uplink topic.
// Auto-reconnect is disabled: the Loop state machine owns recovery.
func (c *Conn) dial() (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.opts.Host, c.opts.Port)).
		SetClientID(fmt.Sprintf("meshbot-%s-%d", c.opts.Host, c.opts.Port)).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetKeepAlive(mqttKeepAlive).
		SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, errors.New("connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}

	sub := client.Subscribe(c.uplinkTopic(), 0, func(_ mqtt.Client, m mqtt.Message) {
		c.receive(m.Payload())
	})
	if !sub.WaitTimeout(connectTimeout) {
		client.Disconnect(250)
		return nil, errors.New("subscribe timed out")
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return client, nil
}

func (c *Conn) uplinkTopic() string {
	return c.opts.TopicRoot + "/2/json/#"
}

func (c *Conn) downlinkTopic() string {
	return c.opts.TopicRoot + "/2/json/mqtt/"
}

func (c *Conn) receive(payload []byte) {
	pkt, err := DecodePacket(payload)
	if err != nil {
		c.log.Debug("dropping undecodable payload", "error", err)
		return
	}
	if c.opts.OnPacket != nil {
		c.opts.OnPacket(c.key, pkt)
	}
}

// outboundFrame is the JSON downlink format understood by the node.
type outboundFrame struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	Channel int64  `json:"channel"`
	Payload string `json:"payload"`
}

// Send transmits text to destinationID on the given channel, splitting into
// numbered parts when the text exceeds MaxMessageLen and pacing parts by
// MultipartDelay. The call blocks for the full duration. A part failure is
// reported but remaining parts are still attempted; nothing is rolled back.
func (c *Conn) Send(text, destinationID string, channel int64) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.clientMu.Lock()
	client := c.client
	c.clientMu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	parts := Chunk(text, MaxMessageLen)
	var firstErr error
	for i, part := range parts {
		payload, err := json.Marshal(outboundFrame{
			Type:    "sendtext",
			To:      destinationID,
			Channel: channel,
			Payload: part,
		})
		if err == nil {
			tok := client.Publish(c.downlinkTopic(), 0, false, payload)
			if !tok.WaitTimeout(publishTimeout) {
				err = errors.New("publish timed out")
			} else {
				err = tok.Error()
			}
		}

		if err != nil {
			c.log.Error("send error", "part", i+1, "parts", len(parts), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			c.log.Debug("tx", "dest", destinationID, "channel", channel, "len", len(part))
			if c.opts.OnTx != nil {
				c.opts.OnTx(c.key, part, destinationID, channel)
			}
		}

		if len(parts) > 1 && i < len(parts)-1 {
			select {
			case <-time.After(MultipartDelay):
			case <-c.stop:
				return ErrStopped
			}
		}
	}
	return firstErr
}

// sleep waits for d or until the stop signal fires; it reports stop.
func (c *Conn) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-c.stop:
		return true
	}
}

// Close forces immediate closure and suppresses further retries.
func (c *Conn) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.connected.Store(false)
	c.clientMu.Lock()
	client := c.client
	c.client = nil
	c.clientMu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	c.state.Store(int32(StateDisconnected))
}
