// Package gateway is the heart of the bot: it owns the radio connections,
// normalizes inbound packets into conversations, and runs the single-consumer
// dispatcher that persists history, forwards to the webhook, and answers
// commands.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mokny/meshbot/pkg/config"
	"github.com/mokny/meshbot/pkg/models"
	"github.com/mokny/meshbot/pkg/plugins"
	"github.com/mokny/meshbot/pkg/radio"
	"github.com/mokny/meshbot/pkg/store"
	"github.com/mokny/meshbot/pkg/webhook"
)

const (
	queueSize    = 1024
	dispatchWait = 500 * time.Millisecond
)

// ErrNoConnection is returned by send operations when no usable radio
// connection exists.
var ErrNoConnection = errors.New("gateway: no connected radio")

// Event is one inbound packet waiting in the dispatcher queue.
type Event struct {
	ConnKey string
	Pkt     radio.Packet
}

// ConnStatus is a point-in-time snapshot of one radio connection.
type ConnStatus struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Stats is the aggregate state snapshot served by /stats and the /stats
// command.
type Stats struct {
	DBUsers       int64        `json:"db_users"`
	DBNameRows    int64        `json:"db_name_rows"`
	DBMessages    int64        `json:"db_messages"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	UptimeHuman   string       `json:"uptime_human"`
	RxMessages    int64        `json:"rx_messages"`
	TxMessages    int64        `json:"tx_messages"`
	Connections   []ConnStatus `json:"connections"`
}

// UserInfo aggregates everything known about one station.
type UserInfo struct {
	NodeID  string             `json:"node_id"`
	Station *models.Station    `json:"station"`
	Latest  *models.NameEntry  `json:"latest_name"`
	Names   []models.NameEntry `json:"names"`
}

// Gateway wires connections, stores, plugins, and the webhook together.
type Gateway struct {
	cfg     *config.Configuration
	log     *slog.Logger
	stores  *store.Stores
	plugins *plugins.Registry
	sink    *webhook.Sink // nil when no webhook is configured

	connMu sync.RWMutex
	conns  map[string]*radio.Conn

	queue chan Event
	stop  chan struct{}
	done  chan struct{}

	startTime time.Time
	rxCount   atomic.Int64
	txCount   atomic.Int64
	lastHB    time.Time
}

// New builds a gateway. sink may be nil.
func New(cfg *config.Configuration, stores *store.Stores, reg *plugins.Registry, sink *webhook.Sink, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		log:     log,
		stores:  stores,
		plugins: reg,
		sink:    sink,
		conns:   make(map[string]*radio.Conn),
		queue:   make(chan Event, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start spins up one connection loop per configured node, runs plugin Start
// hooks, and launches the dispatcher. It returns immediately.
func (g *Gateway) Start() {
	g.startTime = time.Now()
	g.lastHB = g.startTime

	for _, node := range g.cfg.Nodes {
		conn := radio.NewConn(radio.ConnOptions{
			Host:      node.Host,
			Port:      node.Port,
			Name:      node.Name,
			TopicRoot: g.cfg.Mesh.TopicRoot,
			OnPacket:  g.Enqueue,
			OnTx:      g.recordTx,
			OnConnect: g.registerConn,
			Log:       g.log,
		})
		g.connMu.Lock()
		g.conns[conn.Key()] = conn
		g.connMu.Unlock()
		go conn.Loop()
	}

	g.plugins.Start()
	go g.loop()
}

// Stop shuts the dispatcher down, then the connections, then the plugins.
func (g *Gateway) Stop() {
	close(g.stop)
	<-g.done

	g.connMu.Lock()
	for _, c := range g.conns {
		c.Close()
	}
	g.connMu.Unlock()

	g.plugins.Stop()
}

func (g *Gateway) registerConn(key string, c *radio.Conn) {
	g.connMu.Lock()
	g.conns[key] = c
	g.connMu.Unlock()
}

func (g *Gateway) connByKey(key string) *radio.Conn {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return g.conns[key]
}

// SelectConn resolves a node selector to a connected radio. An empty selector
// picks the first connected radio in configuration order; a non-empty one
// must match a node name or host:port key. nil means nothing usable.
func (g *Gateway) SelectConn(sel string) *radio.Conn {
	g.connMu.RLock()
	defer g.connMu.RUnlock()

	if sel == "" {
		for _, node := range g.cfg.Nodes {
			if c := g.conns[node.Key()]; c != nil && c.IsConnected() {
				return c
			}
		}
		return nil
	}
	node, ok := g.cfg.NodeByName(sel)
	if !ok {
		return nil
	}
	if c := g.conns[node.Key()]; c != nil && c.IsConnected() {
		return c
	}
	return nil
}

// Enqueue hands an inbound packet to the dispatcher. The queue buffer
// absorbs bursts; when it fills, the producing receive callback blocks until
// the dispatcher catches up. Packets are never dropped while running.
func (g *Gateway) Enqueue(connKey string, pkt radio.Packet) {
	select {
	case g.queue <- Event{ConnKey: connKey, Pkt: pkt}:
	case <-g.stop:
	}
}

// loop is the single consumer of the event queue. Each cycle it waits up to
// dispatchWait for an event, then runs the periodic work (heartbeat, plugin
// ticks) whether or not anything arrived.
func (g *Gateway) loop() {
	defer close(g.done)
	for {
		select {
		case <-g.stop:
			return
		case ev := <-g.queue:
			g.handleEvent(ev)
		case <-time.After(dispatchWait):
		}

		g.heartbeatTick()
		g.plugins.OnTick(time.Now().Unix())
	}
}

// handleEvent runs the full inbound pipeline for one packet: presence, name
// history, conversation normalization, persistence, webhook, plugins, and
// command handling. Any step failing is logged and the rest still runs.
func (g *Gateway) handleEvent(ev Event) {
	pkt := ev.Pkt
	fromID := DeriveFromID(pkt)
	ts := PacketTime(pkt)

	if fromID != "" {
		if err := g.stores.Presence.TouchStation(fromID, ts); err != nil {
			g.log.Error("touch station error", "node", fromID, "error", err)
		}
		if short, long := Names(pkt); short != "" || long != "" {
			if err := g.stores.Presence.RecordName(fromID, ts, strPtr(short), strPtr(long)); err != nil {
				g.log.Error("record name error", "node", fromID, "error", err)
			}
		}
	}

	g.plugins.OnPacket(ev.ConnKey, pkt)

	if !IsTextPacket(pkt) {
		return
	}
	text := Text(pkt)
	if text == "" {
		return
	}

	conv := ConversationForIncoming(pkt, fromID)
	g.rxCount.Add(1)

	var short, long string
	if entry, err := g.stores.Presence.LatestName(fromID); err == nil && entry != nil {
		short = strVal(entry.Short)
		long = strVal(entry.Long)
	}

	msg := g.buildMessage(conv, ts, fromID, short, long, ev.ConnKey, models.DirectionRX, text)
	if err := g.stores.Messages.Add(msg, g.cfg.DB.KeepPerConversation); err != nil {
		g.log.Error("store message error", "error", err)
	}

	// The channel index is carried for DMs too: replies and templates use
	// the channel the packet arrived on, even though the conversation key
	// for a DM is the peer alone.
	channel := ChannelIndex(pkt)
	meta := plugins.Meta{
		FromID:      fromID,
		Channel:     channel,
		ChannelName: g.cfg.ChannelName(channel),
		IsDM:        conv.IsDM(),
		ConnKey:     ev.ConnKey,
		Short:       short,
		Long:        long,
		ReplyDest:   ReplyDest(conv),
		Packet:      pkt,
	}

	g.log.Info("rx",
		"conn", ev.ConnKey, "from", fromID, "dm", meta.IsDM,
		"channel", meta.Channel, "hops", Hops(pkt), "via", Via(pkt), "text", text)

	if g.sink != nil {
		g.forwardWebhook(ev.ConnKey, pkt, fromID, meta, text)
	}

	g.plugins.OnText(text, meta)

	// The channel allow-list stops command handling only; the message above
	// is already persisted and forwarded. DMs are never filtered by it.
	if !meta.IsDM && !g.cfg.ChannelAllowed(meta.Channel) {
		return
	}
	g.handleCommand(text, meta)
}

// forwardWebhook posts the message asynchronously so a slow endpoint cannot
// stall the dispatcher.
func (g *Gateway) forwardWebhook(connKey string, pkt radio.Packet, fromID string, meta plugins.Meta, text string) {
	node := webhook.NodeInfo{Name: connKey}
	for _, n := range g.cfg.Nodes {
		if n.Key() == connKey {
			node = webhook.NodeInfo{Host: n.Host, Port: n.Port, Name: n.DisplayName()}
			break
		}
	}
	toID := "^all"
	if meta.IsDM {
		if s, ok := asString(pkt["toId"]); ok {
			toID = s
		}
	}
	p := webhook.Payload{
		Timestamp:   time.Unix(PacketTime(pkt), 0).UTC().Format(time.RFC3339),
		Node:        node,
		FromID:      fromID,
		ToID:        toID,
		Channel:     meta.Channel,
		ChannelName: meta.ChannelName,
		Text:        text,
		Raw:         pkt,
	}
	go g.sink.Deliver(p)
}

// recordTx persists every successfully transmitted part as its own history
// row, with the destination as the row's user id. Runs on the sending
// goroutine, not the dispatcher.
func (g *Gateway) recordTx(connKey, part, destinationID string, channel int64) {
	g.txCount.Add(1)
	conv := ConversationForOutgoing(destinationID, channel)
	msg := g.buildMessage(conv, time.Now().Unix(), destinationID, "", "", connKey, models.DirectionTX, part)
	if err := g.stores.Messages.Add(msg, g.cfg.DB.KeepPerConversation); err != nil {
		g.log.Error("store tx error", "error", err)
	}
}

func (g *Gateway) buildMessage(conv models.Conversation, ts int64, userID, short, long, connKey string, dir models.Direction, text string) *models.Message {
	msg := &models.Message{
		Ts:               ts,
		ConversationType: conv.Type,
		Channel:          conv.Channel,
		PeerID:           conv.PeerID,
		UserID:           strPtr(userID),
		NameShort:        strPtr(short),
		NameLong:         strPtr(long),
		ConnectionKey:    strPtr(connKey),
		Direction:        dir,
		Message:          text,
	}
	name := "DM"
	if conv.Channel != nil {
		name = g.cfg.ChannelName(*conv.Channel)
	}
	msg.ChannelName = &name
	return msg
}

// sendReply transmits a response back to where the triggering message came
// from and notifies reply observers.
func (g *Gateway) sendReply(text string, meta plugins.Meta) {
	conn := g.connByKey(meta.ConnKey)
	if conn == nil || !conn.IsConnected() {
		conn = g.SelectConn("")
	}
	if conn == nil {
		g.log.Warn("reply dropped, no connection", "dest", meta.ReplyDest)
		return
	}
	if err := conn.Send(text, meta.ReplyDest, meta.Channel); err != nil {
		g.log.Error("reply error", "dest", meta.ReplyDest, "error", err)
		return
	}
	g.plugins.OnReply(text, meta)
}

// SendToChannel broadcasts text on a channel. An empty node selector uses
// the first connected radio; a non-empty dest overrides the broadcast
// destination.
func (g *Gateway) SendToChannel(node string, channel int64, dest, text string) error {
	conn := g.SelectConn(node)
	if conn == nil {
		return ErrNoConnection
	}
	if dest == "" {
		dest = "^all"
	}
	return conn.Send(text, dest, channel)
}

// SendToPeer sends a direct message to one node.
func (g *Gateway) SendToPeer(node, peerID, text string) error {
	conn := g.SelectConn(node)
	if conn == nil {
		return ErrNoConnection
	}
	return conn.Send(text, peerID, 0)
}

// txLink is the send surface of one radio connection.
type txLink interface {
	Send(text, destinationID string, channel int64) error
}

// connectedLinks returns every currently connected radio in config order.
func (g *Gateway) connectedLinks() []txLink {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	var links []txLink
	for _, node := range g.cfg.Nodes {
		if c := g.conns[node.Key()]; c != nil && c.IsConnected() {
			links = append(links, c)
		}
	}
	return links
}

// heartbeatTick sends the periodic heartbeat when due. Failure only logs;
// the next attempt waits a full interval either way.
func (g *Gateway) heartbeatTick() {
	hb := g.cfg.Heartbeat
	if !hb.Enabled {
		return
	}
	interval := time.Duration(hb.IntervalSeconds) * time.Second
	if interval <= 0 || time.Since(g.lastHB) < interval {
		return
	}
	g.lastHB = time.Now()
	g.heartbeatSend(g.connectedLinks())
}

// heartbeatSend fans the heartbeat out through every connected radio, so
// each mesh the bot sits on sees it.
func (g *Gateway) heartbeatSend(links []txLink) {
	hb := g.cfg.Heartbeat
	for _, link := range links {
		if hb.Mode == "dm" && len(hb.Targets) > 0 {
			for _, t := range hb.Targets {
				if err := link.Send(hb.Message, t, 0); err != nil {
					g.log.Warn("heartbeat dm failed", "target", t, "error", err)
				}
			}
			continue
		}
		if err := link.Send(hb.Message, "^all", hb.Channel); err != nil {
			g.log.Warn("heartbeat failed", "channel", hb.Channel, "error", err)
		}
	}
}

// Stats assembles the current aggregate snapshot.
func (g *Gateway) Stats() (Stats, error) {
	users, err := g.stores.Presence.CountStations()
	if err != nil {
		return Stats{}, err
	}
	names, err := g.stores.Presence.CountNames()
	if err != nil {
		return Stats{}, err
	}
	msgs, err := g.stores.Messages.Count()
	if err != nil {
		return Stats{}, err
	}

	up := time.Since(g.startTime)
	st := Stats{
		DBUsers:       users,
		DBNameRows:    names,
		DBMessages:    msgs,
		UptimeSeconds: int64(up.Seconds()),
		UptimeHuman:   fmtUptime(up),
		RxMessages:    g.rxCount.Load(),
		TxMessages:    g.txCount.Load(),
	}

	g.connMu.RLock()
	defer g.connMu.RUnlock()
	for _, node := range g.cfg.Nodes {
		c := g.conns[node.Key()]
		if c == nil {
			st.Connections = append(st.Connections, ConnStatus{
				Key: node.Key(), Name: node.DisplayName(), State: "disconnected",
			})
			continue
		}
		cs := ConnStatus{
			Key:       c.Key(),
			Name:      c.Name(),
			Connected: c.IsConnected(),
			State:     c.State().String(),
		}
		if err := c.LastError(); err != nil {
			cs.LastError = err.Error()
		}
		st.Connections = append(st.Connections, cs)
	}
	return st, nil
}

// UserInfo looks up everything stored about one station.
func (g *Gateway) UserInfo(nodeID string) (UserInfo, error) {
	info := UserInfo{NodeID: nodeID}

	station, err := g.stores.Presence.StationSummary(nodeID)
	if err != nil {
		return info, err
	}
	info.Station = station
	if station == nil {
		return info, nil
	}

	if info.Latest, err = g.stores.Presence.LatestName(nodeID); err != nil {
		return info, err
	}
	if info.Names, err = g.stores.Presence.NameHistory(nodeID, 50, "desc"); err != nil {
		return info, err
	}
	return info, nil
}

func fmtUptime(d time.Duration) string {
	d = d.Round(time.Second)
	day := d / (24 * time.Hour)
	d -= day * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := d - m*time.Minute
	if day > 0 {
		return fmt.Sprintf("%dd%dh%dm", day, h, m)
	}
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm%ds", m, s/time.Second)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
