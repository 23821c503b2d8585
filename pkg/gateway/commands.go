package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mokny/meshbot/pkg/config"
	"github.com/mokny/meshbot/pkg/plugins"
	"github.com/mokny/meshbot/pkg/radio"
)

// builtinCommands are matched as case-insensitive prefixes.
var builtinCommands = []string{"/help", "/ping", "/user", "/stats"}

// matchBuiltin returns the canonical builtin command name and its arguments,
// or "" when the text does not start with a builtin. Matching is a
// case-insensitive prefix check, so "/PING" and "/pinging" both resolve to
// "/ping" (the latter with "ing" as its first argument).
func matchBuiltin(text string) (string, []string) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, b := range builtinCommands {
		if strings.HasPrefix(lower, b) {
			return b, strings.Fields(trimmed[len(b):])
		}
	}
	return "", nil
}

// matchCustom returns the first configured trigger the text starts with.
// Custom triggers match case-sensitively in configured order.
func (g *Gateway) matchCustom(text string) *config.Command {
	for i := range g.cfg.Commands.List {
		c := &g.cfg.Commands.List[i]
		if strings.HasPrefix(text, c.Trigger) {
			return c
		}
	}
	return nil
}

// handleCommand resolves and executes a command trigger. It reports whether
// the text matched any trigger at all. Execution order for a match: block
// rules, then registered plugin handlers, then the builtin or custom action.
func (g *Gateway) handleCommand(text string, meta plugins.Meta) bool {
	builtin, args := matchBuiltin(text)
	var custom *config.Command
	if builtin == "" {
		if custom = g.matchCustom(text); custom == nil {
			return false
		}
	}

	key := builtin
	if custom != nil {
		key = strings.ToLower(custom.Trigger)
	}

	if meta.IsDM {
		if g.cfg.CommandBlockedInDM(key) {
			g.log.Debug("command blocked in dm", "cmd", key, "from", meta.FromID)
			return true
		}
	} else if g.cfg.CommandBlockedInChannel(key, meta.Channel) {
		g.log.Debug("command blocked", "cmd", key, "channel", meta.Channel)
		return true
	}

	if g.plugins.OnCommand(key, args, meta) {
		return true
	}

	// Disabling commands stops the bot's own responses; plugins above still
	// get every trigger offered.
	if !g.cfg.Bot.CommandsEnabled {
		return true
	}

	if builtin != "" {
		g.executeBuiltin(builtin, args, meta)
	} else {
		g.sendReply(g.renderCustom(custom.Response, text, meta), meta)
	}
	return true
}

func (g *Gateway) executeBuiltin(cmd string, args []string, meta plugins.Meta) {
	switch cmd {
	case "/help":
		g.sendReply(g.helpText(), meta)
	case "/ping":
		g.sendReply(g.pongText(meta), meta)
	case "/user":
		target := meta.FromID
		if len(args) > 0 {
			target = args[0]
		}
		g.sendReply(g.userText(target), meta)
	case "/stats":
		g.sendReply(g.statsText(), meta)
	}
}

// pongText echoes back how the triggering packet reached us.
func (g *Gateway) pongText(meta plugins.Meta) string {
	pkt := radio.Packet(meta.Packet)
	who := meta.Short
	if who == "" {
		who = meta.FromID
	}
	if hops := Hops(pkt); hops >= 0 {
		return fmt.Sprintf("pong %s (%d hops via %s)", who, hops, Via(pkt))
	}
	return fmt.Sprintf("pong %s (via %s)", who, Via(pkt))
}

func (g *Gateway) helpText() string {
	cmds := append([]string{}, builtinCommands...)
	for _, c := range g.cfg.Commands.List {
		cmds = append(cmds, c.Trigger)
	}
	return fmt.Sprintf("%s commands: %s", g.cfg.Bot.Name, strings.Join(cmds, " "))
}

func (g *Gateway) userText(nodeID string) string {
	info, err := g.UserInfo(nodeID)
	if err != nil {
		g.log.Error("user lookup error", "node", nodeID, "error", err)
		return "lookup failed"
	}
	if info.Station == nil {
		return fmt.Sprintf("%s: never heard", nodeID)
	}
	name := "?"
	if info.Latest != nil {
		var parts []string
		if info.Latest.Short != nil {
			parts = append(parts, *info.Latest.Short)
		}
		if info.Latest.Long != nil {
			parts = append(parts, *info.Latest.Long)
		}
		if len(parts) > 0 {
			name = strings.Join(parts, " / ")
		}
	}
	return fmt.Sprintf("%s %s first=%d last=%d names=%d",
		nodeID, name, info.Station.FirstSeen, info.Station.LastSeen, len(info.Names))
}

func (g *Gateway) statsText() string {
	st, err := g.Stats()
	if err != nil {
		g.log.Error("stats error", "error", err)
		return "stats unavailable"
	}
	up := 0
	for _, c := range st.Connections {
		if c.Connected {
			up++
		}
	}
	return fmt.Sprintf("up %s, rx %d, tx %d, users %d, links %d/%d",
		st.UptimeHuman, st.RxMessages, st.TxMessages, st.DBUsers, up, len(st.Connections))
}

// renderCustom fills a custom command response template.
func (g *Gateway) renderCustom(tmpl, text string, meta plugins.Meta) string {
	node := meta.ConnKey
	if c := g.connByKey(meta.ConnKey); c != nil {
		node = c.Name()
	}
	return strings.NewReplacer(
		"{text}", text,
		"{fromId}", meta.FromID,
		"{channel}", strconv.FormatInt(meta.Channel, 10),
		"{channelName}", meta.ChannelName,
		"{node}", node,
	).Replace(tmpl)
}
