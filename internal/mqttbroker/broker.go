package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PublishMessage represents a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// Handler is invoked for each received publish whose topic matches the
// filter it was registered under.
type Handler func(context.Context, PublishMessage)

type route struct {
	filter  string
	handler Handler
}

type clientSession struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	subMu    sync.RWMutex
	filters  map[string]struct{}
	clientID string
	closed   atomic.Bool
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (c *clientSession) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for f := range c.filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) addSubscription(filter string) {
	c.subMu.Lock()
	c.filters[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) removeSubscription(filter string) {
	c.subMu.Lock()
	delete(c.filters, filter)
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker is a small MQTT v3.1.1 broker. Clients may publish at QoS 0 or 1 and
// subscribe with wildcards; deliveries to subscribers are always QoS 0.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	routesMu sync.RWMutex
	routes   []route

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, clients: make(map[*clientSession]struct{})}
}

// Handle registers h for publishes matching filter. Several handlers may
// match one topic; they run in registration order.
func (b *Broker) Handle(filter string, h Handler) error {
	if !ValidFilter(filter) {
		return fmt.Errorf("invalid topic filter %q", filter)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", filter)
	}
	b.routesMu.Lock()
	b.routes = append(b.routes, route{filter: filter, handler: h})
	b.routesMu.Unlock()
	return nil
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// Publish sends a QoS 0 message to all clients subscribed to the topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}
	b.deliver(topic, packet, nil)
	return nil
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	ctx := context.Background()
	connected := false

	for {
		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if err := b.handleConnect(session, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, packetID, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID = session.clientID
			if msg.QoS == 1 {
				if err := session.writePacket(buildAck(packetPubAck, packetID)); err != nil {
					b.logger.Debug("write puback error", "error", err)
					return
				}
			}
			b.dispatch(ctx, msg)
			b.forwardToSubscribers(msg.Topic, msg.Payload, session)
		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(session, payload); err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket([]byte{packetPingResp << 4, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// Only the clean-session flag is supported: no will, no credentials.
	if flags&^0x02 != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = clientID

	if err := session.writePacket([]byte{packetConnAck << 4, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("mqtt client connected", "client", clientID)
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var granted []byte
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		if _, err := rd.readByte(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if !ValidFilter(filter) {
			granted = append(granted, 0x80)
			continue
		}
		session.addSubscription(filter)
		granted = append(granted, 0x00) // every subscription is downgraded to QoS 0
	}

	packet, err := buildSubAck(packetID, granted)
	if err != nil {
		return err
	}
	return session.writePacket(packet)
}

func (b *Broker) handleUnsubscribe(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		session.removeSubscription(filter)
	}
	return session.writePacket(buildAck(packetUnsubAck, packetID))
}

func (b *Broker) dispatch(ctx context.Context, msg PublishMessage) {
	b.routesMu.RLock()
	var matched []Handler
	for _, r := range b.routes {
		if MatchTopic(r.filter, msg.Topic) {
			matched = append(matched, r.handler)
		}
	}
	b.routesMu.RUnlock()

	for _, h := range matched {
		safeInvoke(h, ctx, msg, b.logger)
	}
}

func (b *Broker) forwardToSubscribers(topic string, payload []byte, exclude *clientSession) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return
	}
	b.deliver(topic, packet, exclude)
}

func (b *Broker) deliver(topic string, packet []byte, exclude *clientSession) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude || !session.subscribed(topic) {
			continue
		}
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("deliver publish failed", "client", session.clientID, "error", err)
		}
	}
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}
