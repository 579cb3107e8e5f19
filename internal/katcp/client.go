package katcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// maxLine bounds a single katcp line. Sensor values are small; this is
	// generous headroom for long sensor lists.
	maxLine = 1 << 20

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Client maintains a persistent katcp connection, keeps the device's sensor
// list subscribed, and forwards lifecycle/value events to a Watcher.
type Client struct {
	addr    string
	watcher Watcher

	mu      sync.Mutex
	conn    net.Conn
	pending map[uint32]*pendingRequest
	nextID  uint32

	// known tracks sensors already announced to the watcher, so a resync
	// only emits the add/remove delta. Survives reconnects on purpose.
	known map[string]struct{}

	resync chan struct{}
}

type pendingRequest struct {
	informs []*Message
	done    chan *Message // receives the reply, or nil on connection loss
}

// NewClient creates a client for the device at host:port reporting to watcher.
func NewClient(host string, port int, watcher Watcher) *Client {
	return &Client{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		watcher: watcher,
		pending: make(map[uint32]*pendingRequest),
		known:   make(map[string]struct{}),
		resync:  make(chan struct{}, 1),
	}
}

// Run connects and serves watcher events until ctx is cancelled. Connection
// loss is handled here with exponential backoff; it is reported to the
// watcher as a Disconnected transition, never as an error return.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.watcher.SyncStateChanged(Disconnected)
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}
		log.Warn().Err(err).Str("addr", c.addr).Dur("retry_in", backoff).
			Msg("katcp connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one connection lifetime: dial, sync, serve informs.
func (c *Client) session(ctx context.Context) error {
	slog := log.With().Str("session", uuid.NewString()).Str("addr", c.addr).Logger()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info().Msg("katcp connected")

	// Unblock reads on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- c.readLoop(conn, slog) }()

	c.watcher.SyncStateChanged(Syncing)
	if err := c.sync(ctx, slog); err != nil {
		conn.Close()
		<-errCh
		return fmt.Errorf("sensor sync: %w", err)
	}
	c.watcher.SyncStateChanged(Synced)

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-c.resync:
			slog.Info().Msg("device interface changed, resyncing")
			c.watcher.SyncStateChanged(Syncing)
			if err := c.sync(ctx, slog); err != nil {
				conn.Close()
				<-errCh
				return fmt.Errorf("sensor resync: %w", err)
			}
			c.watcher.SyncStateChanged(Synced)
		}
	}
}

// readLoop parses lines and dispatches them until the connection fails.
func (c *Client) readLoop(conn net.Conn, slog zerolog.Logger) error {
	defer c.failPending()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := Parse(line)
		if err != nil {
			slog.Warn().Err(err).Msg("dropping unparseable katcp line")
			continue
		}

		switch {
		case msg.Type == Reply:
			c.complete(msg)
		case msg.Type == Inform && msg.ID != 0:
			c.collectInform(msg)
		case msg.Type == Inform:
			c.handleInform(msg, slog)
		default:
			// Devices do not send us requests.
			slog.Debug().Str("name", msg.Name).Msg("ignoring unexpected katcp request")
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("connection closed by device")
}

// handleInform processes asynchronous (un-addressed) informs.
func (c *Client) handleInform(m *Message, slog zerolog.Logger) {
	switch m.Name {
	case "sensor-status":
		c.dispatchStatus(m, slog)
	case "interface-changed", "device-changed":
		select {
		case c.resync <- struct{}{}:
		default:
		}
	case "disconnect":
		slog.Warn().Str("reason", m.Arg(0)).Msg("device requested disconnect")
	case "version-connect", "version", "build-state":
		slog.Debug().Str("inform", m.Name).Str("value", m.Arg(0)).Msg("device banner")
	default:
		slog.Debug().Str("inform", m.Name).Msg("ignoring unhandled inform")
	}
}

// dispatchStatus fans a #sensor-status inform out to the watcher. Wire shape:
// timestamp, reading count, then (name, status, value) per reading.
func (c *Client) dispatchStatus(m *Message, slog zerolog.Logger) {
	ts, err := strconv.ParseFloat(m.Arg(0), 64)
	if err != nil {
		slog.Warn().Str("timestamp", m.Arg(0)).Msg("sensor-status with bad timestamp")
		return
	}
	n, err := strconv.Atoi(m.Arg(1))
	if err != nil || len(m.Args) < 2+3*n {
		slog.Warn().Int("args", len(m.Args)).Msg("malformed sensor-status inform")
		return
	}
	for i := 0; i < n; i++ {
		name := m.Arg(2 + 3*i)
		status, err := ParseStatus(m.Arg(3 + 3*i))
		if err != nil {
			slog.Warn().Str("sensor", name).Err(err).Msg("sensor-status with bad status")
			continue
		}
		c.watcher.SensorUpdated(name, m.Args[4+3*i], status, ts)
	}
}

// sync fetches the device's sensor list, announces the delta against what
// the watcher already knows, and subscribes new sensors to auto sampling.
func (c *Client) sync(ctx context.Context, slog zerolog.Logger) error {
	informs, reply, err := c.request(ctx, "sensor-list")
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("sensor-list failed: %s", reply.Arg(1))
	}

	current := make(map[string]*Message, len(informs))
	for _, inf := range informs {
		if len(inf.Args) < 4 {
			slog.Warn().Int("args", len(inf.Args)).Msg("malformed sensor-list inform")
			continue
		}
		current[inf.Arg(0)] = inf
	}

	for name := range c.known {
		if _, ok := current[name]; !ok {
			delete(c.known, name)
			c.watcher.SensorRemoved(name)
		}
	}

	for name, inf := range current {
		if _, ok := c.known[name]; ok {
			continue
		}
		c.known[name] = struct{}{}
		c.watcher.SensorAdded(name, inf.Arg(1), inf.Arg(2), inf.Arg(3), inf.Args[4:])

		_, sub, err := c.request(ctx, "sensor-sampling", name, "auto")
		if err != nil {
			return err
		}
		if !sub.OK() {
			slog.Warn().Str("sensor", name).Str("reason", sub.Arg(1)).
				Msg("sensor-sampling refused, no updates for this sensor")
		}
	}

	slog.Info().Int("sensors", len(current)).Msg("sensor sync complete")
	return nil
}

// request sends one katcp request and waits for its reply, returning any
// informs addressed to the request's message id.
func (c *Client) request(ctx context.Context, name string, args ...string) ([]*Message, *Message, error) {
	msg := &Message{Type: Request, Name: name}
	for _, a := range args {
		msg.Args = append(msg.Args, []byte(a))
	}

	pr := &pendingRequest{done: make(chan *Message, 1)}

	c.mu.Lock()
	c.nextID++
	msg.ID = c.nextID
	c.pending[msg.ID] = pr
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.Write(msg.Encode()); err != nil {
		c.drop(msg.ID)
		return nil, nil, fmt.Errorf("write %s: %w", name, err)
	}

	select {
	case reply := <-pr.done:
		if reply == nil {
			return nil, nil, fmt.Errorf("%s: connection lost awaiting reply", name)
		}
		return pr.informs, reply, nil
	case <-ctx.Done():
		c.drop(msg.ID)
		return nil, nil, ctx.Err()
	}
}

func (c *Client) collectInform(m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pr, ok := c.pending[m.ID]; ok {
		pr.informs = append(pr.informs, m)
	}
}

func (c *Client) complete(m *Message) {
	c.mu.Lock()
	pr, ok := c.pending[m.ID]
	delete(c.pending, m.ID)
	c.mu.Unlock()
	if ok {
		pr.done <- m
	}
}

func (c *Client) drop(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending releases all in-flight requests after connection loss.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pr := range c.pending {
		delete(c.pending, id)
		pr.done <- nil
	}
}
