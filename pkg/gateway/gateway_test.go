package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mokny/meshbot/pkg/config"
	"github.com/mokny/meshbot/pkg/models"
	"github.com/mokny/meshbot/pkg/plugins"
	"github.com/mokny/meshbot/pkg/radio"
	"github.com/mokny/meshbot/pkg/store"
)

func testGateway(t *testing.T, cfgBody string) (*Gateway, *store.Stores) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	stores, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })

	return New(cfg, stores, plugins.NewRegistry(nil), nil, nil), stores
}

func textPacket(fromID, toID, text string, channel int64) radio.Packet {
	return radio.Packet{
		"fromId": fromID,
		"toId":   toID,
		"rxTime": float64(1700000000),
		"decoded": map[string]any{
			"portnum": "TEXT_MESSAGE_APP",
			"text":    text,
			"channel": float64(channel),
			"user":    map[string]any{"shortName": "AB12", "longName": "Alice"},
		},
	}
}

func TestHandleEventPersistsPipeline(t *testing.T) {
	g, stores := testGateway(t, `[bot]
name = "meshbot"
`)

	g.handleEvent(Event{ConnKey: "10.0.0.1:1883", Pkt: textPacket("!aabbccdd", "^all", "hello mesh", 2)})

	st, err := stores.Presence.StationSummary("!aabbccdd")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.LastSeen != 1700000000 {
		t.Errorf("station = %+v, want last_seen 1700000000", st)
	}

	latest, err := stores.Presence.LatestName("!aabbccdd")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || *latest.Short != "AB12" {
		t.Errorf("latest name = %+v, want AB12", latest)
	}

	msgs, err := stores.Messages.List(store.MessageQuery{
		Conversation: models.ChannelConversation(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d stored messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Message != "hello mesh" || m.Direction != models.DirectionRX {
		t.Errorf("stored message = %+v", m)
	}
	if m.UserID == nil || *m.UserID != "!aabbccdd" {
		t.Errorf("stored user_id = %v", m.UserID)
	}
	if m.ChannelName == nil || *m.ChannelName != "ch2" {
		t.Errorf("stored channel_name = %v", m.ChannelName)
	}
}

func TestHandleEventDirectMessage(t *testing.T) {
	g, stores := testGateway(t, `[bot]
name = "meshbot"
`)

	g.handleEvent(Event{ConnKey: "x", Pkt: textPacket("!aabbccdd", "!11223344", "psst", 0)})

	msgs, err := stores.Messages.List(store.MessageQuery{
		Conversation: models.DMConversation("!aabbccdd"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d dm rows, want 1", len(msgs))
	}
	if msgs[0].Channel != nil {
		t.Errorf("dm row has channel %v, want nil", msgs[0].Channel)
	}

	// The channel conversation must stay empty.
	chMsgs, _ := stores.Messages.List(store.MessageQuery{
		Conversation: models.ChannelConversation(0),
	})
	if len(chMsgs) != 0 {
		t.Errorf("dm leaked into channel history: %d rows", len(chMsgs))
	}
}

func TestHandleEventIgnoresNonText(t *testing.T) {
	g, stores := testGateway(t, `[bot]
name = "meshbot"
`)

	g.handleEvent(Event{ConnKey: "x", Pkt: radio.Packet{
		"fromId":  "!aabbccdd",
		"rxTime":  float64(1700000000),
		"decoded": map[string]any{"portnum": "TELEMETRY_APP"},
	}})

	// Presence still updates for non-text packets.
	st, err := stores.Presence.StationSummary("!aabbccdd")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil {
		t.Error("telemetry packet did not touch the station")
	}

	n, err := stores.Messages.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("stored %d messages for telemetry, want 0", n)
	}
}

type claimingPlugin struct {
	commands []string
}

func (p *claimingPlugin) Name() string { return "claiming" }
func (p *claimingPlugin) OnCommand(cmd string, args []string, meta plugins.Meta) (bool, error) {
	p.commands = append(p.commands, cmd)
	return true, nil
}

func TestAllowListSkipsCommandsButPersists(t *testing.T) {
	g, stores := testGateway(t, `[bot]
name = "meshbot"
channels = ["0"]
`)
	p := &claimingPlugin{}
	g.plugins.Register(p)

	g.handleEvent(Event{ConnKey: "x", Pkt: textPacket("!aabbccdd", "^all", "/ping", 5)})
	g.handleEvent(Event{ConnKey: "x", Pkt: textPacket("!aabbccdd", "^all", "/ping", 0)})

	// Both messages are stored; the allow-list gates command handling only.
	off, _ := stores.Messages.List(store.MessageQuery{Conversation: models.ChannelConversation(5)})
	on, _ := stores.Messages.List(store.MessageQuery{Conversation: models.ChannelConversation(0)})
	if len(off) != 1 || len(on) != 1 {
		t.Errorf("stored %d/%d rows for off/on channels, want 1/1", len(off), len(on))
	}

	if len(p.commands) != 1 {
		t.Fatalf("command ran %d times, want only on the allowed channel", len(p.commands))
	}

	// DMs bypass the allow-list.
	g.handleEvent(Event{ConnKey: "x", Pkt: textPacket("!aabbccdd", "!11223344", "/ping", 0)})
	if len(p.commands) != 2 {
		t.Errorf("dm command did not run: %v", p.commands)
	}
}

func TestCommandBlockRules(t *testing.T) {
	g, _ := testGateway(t, `[bot]
name = "meshbot"

[bot.command_blocks]
"/ping" = ["7", "dm"]
`)
	p := &claimingPlugin{}
	g.plugins.Register(p)

	g.handleEvent(Event{ConnKey: "x", Pkt: textPacket("!aabbccdd", "^all", "/ping", 7)})
	g.handleEvent(Event{ConnKey: "x", Pkt: textPacket("!aabbccdd", "!11223344", "/ping", 0)})
	if len(p.commands) != 0 {
		t.Fatalf("blocked command still ran: %v", p.commands)
	}

	g.handleEvent(Event{ConnKey: "x", Pkt: textPacket("!aabbccdd", "^all", "/ping", 3)})
	if len(p.commands) != 1 {
		t.Errorf("command on unblocked channel ran %d times, want 1", len(p.commands))
	}
}

func TestRecordTxPersistsOutbound(t *testing.T) {
	g, stores := testGateway(t, `[bot]
name = "meshbot"
`)

	g.recordTx("10.0.0.1:1883", "pong", "!aabbccdd", 0)

	msgs, err := stores.Messages.List(store.MessageQuery{
		Conversation: models.DMConversation("!aabbccdd"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Direction != models.DirectionTX {
		t.Fatalf("tx rows = %+v", msgs)
	}
	// Outbound rows carry the destination as user_id and "DM" as the
	// conversation's channel name.
	if msgs[0].UserID == nil || *msgs[0].UserID != "!aabbccdd" {
		t.Errorf("dm tx user_id = %v, want destination id", msgs[0].UserID)
	}
	if msgs[0].ChannelName == nil || *msgs[0].ChannelName != "DM" {
		t.Errorf("dm tx channel_name = %v, want DM", msgs[0].ChannelName)
	}

	g.recordTx("10.0.0.1:1883", "hello all", "^all", 3)
	bc, _ := stores.Messages.List(store.MessageQuery{Conversation: models.ChannelConversation(3)})
	if len(bc) != 1 || *bc[0].Channel != 3 {
		t.Fatalf("broadcast tx rows = %+v", bc)
	}
	if bc[0].UserID == nil || *bc[0].UserID != "^all" {
		t.Errorf("broadcast tx user_id = %v, want ^all", bc[0].UserID)
	}
	if bc[0].ChannelName == nil || *bc[0].ChannelName != "ch3" {
		t.Errorf("broadcast tx channel_name = %v, want ch3", bc[0].ChannelName)
	}
}

type metaRecorderPlugin struct {
	metas []plugins.Meta
}

func (p *metaRecorderPlugin) Name() string { return "metarec" }
func (p *metaRecorderPlugin) OnText(text string, meta plugins.Meta) {
	p.metas = append(p.metas, meta)
}

func TestDirectMessageKeepsChannelIndex(t *testing.T) {
	g, stores := testGateway(t, `[bot]
name = "meshbot"
`)
	p := &metaRecorderPlugin{}
	g.plugins.Register(p)

	g.handleEvent(Event{ConnKey: "x", Pkt: textPacket("!aabbccdd", "!11223344", "psst", 5)})

	if len(p.metas) != 1 {
		t.Fatalf("text hook ran %d times, want 1", len(p.metas))
	}
	m := p.metas[0]
	if !m.IsDM {
		t.Error("meta.IsDM = false, want true")
	}
	// A DM still arrives on a channel; replies go back on it even though
	// the conversation key is the peer alone.
	if m.Channel != 5 {
		t.Errorf("meta.Channel = %d, want 5", m.Channel)
	}
	if m.ChannelName != "ch5" {
		t.Errorf("meta.ChannelName = %q, want ch5", m.ChannelName)
	}
	if m.ReplyDest != "!aabbccdd" {
		t.Errorf("meta.ReplyDest = %q, want the sender", m.ReplyDest)
	}

	msgs, _ := stores.Messages.List(store.MessageQuery{Conversation: models.DMConversation("!aabbccdd")})
	if len(msgs) != 1 {
		t.Errorf("dm conversation rows = %d, want 1", len(msgs))
	}
}

type observingPlugin struct {
	commands []string
}

func (p *observingPlugin) Name() string { return "observer" }
func (p *observingPlugin) OnCommand(cmd string, args []string, meta plugins.Meta) (bool, error) {
	p.commands = append(p.commands, cmd)
	return false, nil
}

func TestCommandsDisabledStillOffersPlugins(t *testing.T) {
	g, stores := testGateway(t, `[bot]
name = "meshbot"
commands_enabled = false
`)
	p := &observingPlugin{}
	g.plugins.Register(p)

	meta := plugins.Meta{FromID: "!aabbccdd", IsDM: true, ReplyDest: "!aabbccdd"}
	if !g.handleCommand("/ping", meta) {
		t.Error("handleCommand() = false, want true for a matched trigger")
	}
	if len(p.commands) != 1 || p.commands[0] != "/ping" {
		t.Fatalf("plugin saw commands %v, want one /ping", p.commands)
	}

	// The builtin itself stays silent while commands are disabled.
	n, err := stores.Messages.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("stored %d outbound rows, want 0", n)
	}
}

type replyRecorderPlugin struct {
	replies []string
}

func (p *replyRecorderPlugin) Name() string { return "replyrec" }
func (p *replyRecorderPlugin) OnReply(text string, meta plugins.Meta) {
	p.replies = append(p.replies, text)
}

func TestUnmatchedSlashTextIsSilent(t *testing.T) {
	g, _ := testGateway(t, `[bot]
name = "meshbot"
`)
	p := &replyRecorderPlugin{}
	g.plugins.Register(p)

	meta := plugins.Meta{FromID: "!aabbccdd", IsDM: true, ReplyDest: "!aabbccdd"}
	if g.handleCommand("/bogus", meta) {
		t.Error("handleCommand(/bogus) = true, want false")
	}
	if len(p.replies) != 0 {
		t.Errorf("unmatched trigger produced replies %v, want none", p.replies)
	}
}

type fakeLink struct {
	sends []fakeSend
}

type fakeSend struct {
	text string
	dest string
	ch   int64
}

func (l *fakeLink) Send(text, destinationID string, channel int64) error {
	l.sends = append(l.sends, fakeSend{text, destinationID, channel})
	return nil
}

func TestHeartbeatBroadcastsOnEveryLink(t *testing.T) {
	g, _ := testGateway(t, `[bot]
name = "meshbot"

[heartbeat]
enabled = true
message = "alive"
channel = 2
`)
	a, b := &fakeLink{}, &fakeLink{}
	g.heartbeatSend([]txLink{a, b})

	for _, l := range []*fakeLink{a, b} {
		if len(l.sends) != 1 {
			t.Fatalf("link got %d sends, want 1", len(l.sends))
		}
		if s := l.sends[0]; s.text != "alive" || s.dest != "^all" || s.ch != 2 {
			t.Errorf("send = %+v", s)
		}
	}
}

func TestHeartbeatDMsEachTargetOnEveryLink(t *testing.T) {
	g, _ := testGateway(t, `[bot]
name = "meshbot"

[heartbeat]
enabled = true
message = "alive"
mode = "dm"
targets = ["!11111111", "!22222222"]
`)
	a, b := &fakeLink{}, &fakeLink{}
	g.heartbeatSend([]txLink{a, b})

	for _, l := range []*fakeLink{a, b} {
		if len(l.sends) != 2 {
			t.Fatalf("link got %d sends, want 2", len(l.sends))
		}
		for i, want := range []string{"!11111111", "!22222222"} {
			if s := l.sends[i]; s.dest != want || s.ch != 0 {
				t.Errorf("send %d = %+v, want dest %s on channel 0", i, s, want)
			}
		}
	}
}

func TestSelectConnEmpty(t *testing.T) {
	g, _ := testGateway(t, `[bot]
name = "meshbot"
`)
	if c := g.SelectConn(""); c != nil {
		t.Errorf("SelectConn() with no nodes = %v, want nil", c)
	}
	if c := g.SelectConn("nope"); c != nil {
		t.Errorf("SelectConn(unknown) = %v, want nil", c)
	}
}

func TestFmtUptime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"90s", "1m30s"},
		{"3h12m", "3h12m"},
		{"26h5m", "1d2h5m"},
	}
	for _, tt := range tests {
		d, err := time.ParseDuration(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := fmtUptime(d); got != tt.want {
			t.Errorf("fmtUptime(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
