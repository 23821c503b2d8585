package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/mokny/meshbot/pkg/radio"
)

// Packets arrive in several shapes depending on the node's firmware and
// whether the frame came via the JSON bridge or a repeater. The extractors
// in this file try the known field locations in a fixed order and degrade
// to neutral defaults instead of failing.

const broadcastNum = 0xFFFFFFFF

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// asInt64 accepts the numeric shapes JSON decoding can produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		var out int64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &out); err == nil {
			return out, true
		}
	}
	return 0, false
}

// DeriveFromID returns the sender id in "!%08x" form. It prefers an explicit
// fromId string and falls back to formatting the numeric from field.
func DeriveFromID(pkt radio.Packet) string {
	if s, ok := asString(pkt["fromId"]); ok && s != "" {
		return s
	}
	if n, ok := asInt64(pkt["from"]); ok {
		return fmt.Sprintf("!%08x", uint32(n))
	}
	return ""
}

// PacketTime returns the packet's receive time as a unix timestamp, trying
// the known field names and falling back to the local clock.
func PacketTime(pkt radio.Packet) int64 {
	for _, key := range []string{"rxTime", "rx_time", "rxTimeSec", "timestamp"} {
		if n, ok := asInt64(pkt[key]); ok && n > 0 {
			return n
		}
	}
	return time.Now().Unix()
}

// ChannelIndex returns the packet's channel index, defaulting to 0.
func ChannelIndex(pkt radio.Packet) int64 {
	if dec, ok := asMap(pkt["decoded"]); ok {
		if n, ok := asInt64(dec["channel"]); ok {
			return n
		}
	}
	if n, ok := asInt64(pkt["channel"]); ok {
		return n
	}
	return 0
}

// IsTextPacket reports whether the packet carries a user-visible text message.
func IsTextPacket(pkt radio.Packet) bool {
	if dec, ok := asMap(pkt["decoded"]); ok {
		if pn, ok := asString(dec["portnum"]); ok && pn == "TEXT_MESSAGE_APP" {
			return true
		}
		if _, ok := asString(dec["text"]); ok {
			return true
		}
	}
	if t, ok := asString(pkt["type"]); ok && t == "text" {
		return true
	}
	if payload, ok := asMap(pkt["payload"]); ok {
		if _, ok := asString(payload["text"]); ok {
			return true
		}
	}
	return false
}

// Text returns the packet's message text, or "" when there is none.
func Text(pkt radio.Packet) string {
	if dec, ok := asMap(pkt["decoded"]); ok {
		if s, ok := asString(dec["text"]); ok {
			return s
		}
		if payload, ok := asMap(dec["payload"]); ok {
			if s, ok := asString(payload["text"]); ok {
				return s
			}
		}
	}
	if payload, ok := asMap(pkt["payload"]); ok {
		if s, ok := asString(payload["text"]); ok {
			return s
		}
	}
	if s, ok := asString(pkt["text"]); ok {
		return s
	}
	return ""
}

// IsBroadcast reports whether the packet was addressed to everyone rather
// than to a specific node. An absent destination counts as broadcast.
func IsBroadcast(pkt radio.Packet) bool {
	if n, ok := asInt64(pkt["to"]); ok {
		return uint32(n) == broadcastNum
	}
	if s, ok := asString(pkt["toId"]); ok {
		switch strings.ToLower(s) {
		case "^all", "!ffffffff", "ffffffff", "0xffffffff":
			return true
		}
		return false
	}
	return true
}

// Names returns the short and long names announced in the packet, if any.
// User dicts appear under decoded.user, user, and decoded.sender.
func Names(pkt radio.Packet) (short, long string) {
	candidates := []any{}
	if dec, ok := asMap(pkt["decoded"]); ok {
		candidates = append(candidates, dec["user"], dec["sender"])
	}
	candidates = append(candidates, pkt["user"])
	for _, c := range candidates {
		user, ok := asMap(c)
		if !ok {
			continue
		}
		for _, k := range []string{"shortName", "shortname", "short_name", "short"} {
			if s, ok := asString(user[k]); ok && short == "" {
				short = s
			}
		}
		for _, k := range []string{"longName", "longname", "long_name", "long"} {
			if s, ok := asString(user[k]); ok && long == "" {
				long = s
			}
		}
		if short != "" || long != "" {
			return short, long
		}
	}
	return short, long
}

// Hops returns how many hops the packet travelled, or -1 when unknown.
func Hops(pkt radio.Packet) int64 {
	start, okS := asInt64(pkt["hopStart"])
	limit, okL := asInt64(pkt["hopLimit"])
	if okS && okL && start >= limit {
		return start - limit
	}
	return -1
}

// Via reports the transport the packet arrived over.
func Via(pkt radio.Packet) string {
	if b, ok := pkt["viaMqtt"].(bool); ok && b {
		return "MQTT"
	}
	return "LoRa"
}
