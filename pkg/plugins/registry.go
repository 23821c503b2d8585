// Package plugins defines the extension boundary of the bot. Plugins are
// registered at build time and opt into lifecycle hooks by implementing the
// corresponding interface; the registry discovers capabilities by type
// assertion. A panicking plugin is logged and skipped, never fatal.
package plugins

import (
	"fmt"
	"log/slog"
)

// Meta carries the normalized context of an inbound message into hooks.
type Meta struct {
	FromID      string
	Channel     int64
	ChannelName string
	IsDM        bool
	ConnKey     string
	Short       string
	Long        string
	// ReplyDest is where a response to this message would go: the sender's
	// node id for a DM, "^all" for a channel broadcast.
	ReplyDest string
	// Packet is the raw decoded packet for hooks that need fields the
	// normalized view does not carry.
	Packet map[string]any
}

// Plugin is the minimal contract. Everything else is optional.
type Plugin interface {
	Name() string
}

// Starter runs once before the dispatcher starts consuming events.
type Starter interface {
	Start() error
}

// Stopper runs during shutdown, after the dispatcher has drained.
type Stopper interface {
	Stop()
}

// Ticker runs once per dispatcher cycle, connected or not. now is the
// cycle's epoch-seconds timestamp, shared by every ticker in the cycle.
type Ticker interface {
	OnTick(now int64)
}

// PacketHandler sees every decoded inbound packet, text or not.
type PacketHandler interface {
	OnPacket(connKey string, pkt map[string]any)
}

// TextHandler sees every inbound text message after normalization.
type TextHandler interface {
	OnText(text string, meta Meta)
}

// CommandHandler may claim a slash command. Returning handled=true suppresses
// the unknown-command fallthrough.
type CommandHandler interface {
	OnCommand(cmd string, args []string, meta Meta) (handled bool, err error)
}

// ReplyHandler observes outbound replies the bot produced.
type ReplyHandler interface {
	OnReply(text string, meta Meta)
}

// Registry holds the registered plugins and fans events out to them.
type Registry struct {
	log     *slog.Logger
	plugins []Plugin
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log}
}

// Register adds a plugin. Call before Start.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
	r.log.Info("plugin registered", "plugin", p.Name())
}

// safeCall runs fn behind a recover barrier so one plugin cannot take the
// dispatcher down.
func (r *Registry) safeCall(name, hook string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("plugin panic", "plugin", name, "hook", hook, "panic", fmt.Sprint(rec))
		}
	}()
	fn()
}

// Start runs every Starter. A failing plugin is logged and skipped.
func (r *Registry) Start() {
	for _, p := range r.plugins {
		s, ok := p.(Starter)
		if !ok {
			continue
		}
		r.safeCall(p.Name(), "start", func() {
			if err := s.Start(); err != nil {
				r.log.Error("plugin start error", "plugin", p.Name(), "error", err)
			}
		})
	}
}

// Stop runs every Stopper.
func (r *Registry) Stop() {
	for _, p := range r.plugins {
		s, ok := p.(Stopper)
		if !ok {
			continue
		}
		r.safeCall(p.Name(), "stop", s.Stop)
	}
}

// OnTick notifies every Ticker with the cycle timestamp.
func (r *Registry) OnTick(now int64) {
	for _, p := range r.plugins {
		t, ok := p.(Ticker)
		if !ok {
			continue
		}
		r.safeCall(p.Name(), "tick", func() { t.OnTick(now) })
	}
}

// OnPacket notifies every PacketHandler.
func (r *Registry) OnPacket(connKey string, pkt map[string]any) {
	for _, p := range r.plugins {
		h, ok := p.(PacketHandler)
		if !ok {
			continue
		}
		r.safeCall(p.Name(), "packet", func() { h.OnPacket(connKey, pkt) })
	}
}

// OnText notifies every TextHandler.
func (r *Registry) OnText(text string, meta Meta) {
	for _, p := range r.plugins {
		h, ok := p.(TextHandler)
		if !ok {
			continue
		}
		r.safeCall(p.Name(), "text", func() { h.OnText(text, meta) })
	}
}

// OnCommand offers the command to every CommandHandler and reports whether
// any of them claimed it. All handlers see the command even after one claims
// it; a handler error is logged but still counts as handled.
func (r *Registry) OnCommand(cmd string, args []string, meta Meta) bool {
	handled := false
	for _, p := range r.plugins {
		h, ok := p.(CommandHandler)
		if !ok {
			continue
		}
		r.safeCall(p.Name(), "command", func() {
			ok, err := h.OnCommand(cmd, args, meta)
			if err != nil {
				r.log.Error("plugin command error", "plugin", p.Name(), "cmd", cmd, "error", err)
			}
			if ok {
				handled = true
			}
		})
	}
	return handled
}

// OnReply notifies every ReplyHandler.
func (r *Registry) OnReply(text string, meta Meta) {
	for _, p := range r.plugins {
		h, ok := p.(ReplyHandler)
		if !ok {
			continue
		}
		r.safeCall(p.Name(), "reply", func() { h.OnReply(text, meta) })
	}
}
