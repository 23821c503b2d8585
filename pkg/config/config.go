package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// placeholderRegex matches {name} placeholders in custom command templates.
var placeholderRegex = regexp.MustCompile(`\{(\w+)\}`)

// knownPlaceholders are the substitutions supported by custom command
// response templates. Anything else is a configuration error.
var knownPlaceholders = map[string]bool{
	"text":        true,
	"fromId":      true,
	"channel":     true,
	"channelName": true,
	"node":        true,
}

// Node is one mesh radio endpoint the gateway keeps a connection to.
type Node struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Name string `mapstructure:"name"`
}

// Key returns the stable connection key for this node.
func (n Node) Key() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// DisplayName returns the configured name, falling back to the key.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Key()
}

// Mesh holds transport-level settings shared by all node connections.
type Mesh struct {
	// TopicRoot is the root of the node's MQTT topic tree (default "msh").
	TopicRoot string `mapstructure:"topic_root"`
}

// Bot holds dispatcher behaviour: allow-lists, naming, command blocking.
type Bot struct {
	Name            string              `mapstructure:"name"`
	Channels        []string            `mapstructure:"channels"`
	ChannelNames    map[string]string   `mapstructure:"channel_names"`
	Strict          bool                `mapstructure:"strict"`
	CommandsEnabled bool                `mapstructure:"commands_enabled"`
	CommandBlocks   map[string][]string `mapstructure:"command_blocks"`

	channelAllow  []int64
	channelNames  map[int64]string
	channelBlocks map[string][]int64
	dmBlocks      map[string]bool
}

// Command is one custom trigger -> response template pair.
type Command struct {
	Trigger  string `mapstructure:"trigger"`
	Response string `mapstructure:"response"`
}

// Commands wraps the configured custom command list.
type Commands struct {
	List []Command `mapstructure:"list"`
}

// API holds HTTP API settings. An empty token list disables the API.
type API struct {
	ListenAddr string   `mapstructure:"listen_addr"`
	Tokens     []string `mapstructure:"tokens"`
}

// DB holds SQLite settings.
type DB struct {
	Path                string `mapstructure:"path"`
	KeepPerConversation int    `mapstructure:"keep_per_conversation"`
}

// Webhook holds the optional fire-and-forget forwarding target.
type Webhook struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Heartbeat holds the optional periodic message sender (default off).
type Heartbeat struct {
	Enabled         bool     `mapstructure:"enabled"`
	IntervalSeconds int      `mapstructure:"interval_seconds"`
	Message         string   `mapstructure:"message"`
	Mode            string   `mapstructure:"mode"` // broadcast|dm
	Targets         []string `mapstructure:"targets"`
	Channel         int64    `mapstructure:"channel"`
}

// ScheduleItem is one fixed-time scheduled message.
type ScheduleItem struct {
	Time          string   `mapstructure:"time"` // HH:MM
	Channel       int64    `mapstructure:"channel"`
	DestinationID string   `mapstructure:"destination_id"`
	Text          string   `mapstructure:"text"`
	Days          []string `mapstructure:"days"` // empty = every day
	Node          string   `mapstructure:"node"`
}

// Schedules holds the scheduler settings.
type Schedules struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timezone string         `mapstructure:"timezone"`
	Items    []ScheduleItem `mapstructure:"items"`
}

// Logging holds log settings.
type Logging struct {
	Level string `mapstructure:"level"` // error|warn|info|debug
}

// Configuration is the full application config.
type Configuration struct {
	Nodes     []Node    `mapstructure:"nodes"`
	Mesh      Mesh      `mapstructure:"mesh"`
	Bot       Bot       `mapstructure:"bot"`
	Commands  Commands  `mapstructure:"commands"`
	API       API       `mapstructure:"api"`
	DB        DB        `mapstructure:"db"`
	Webhook   Webhook   `mapstructure:"webhook"`
	Heartbeat Heartbeat `mapstructure:"heartbeat"`
	Schedules Schedules `mapstructure:"schedules"`
	Logging   Logging   `mapstructure:"logging"`
}

// Load reads and normalizes the TOML configuration at path.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("mesh.topic_root", "msh")
	v.SetDefault("bot.name", "meshbot")
	v.SetDefault("bot.commands_enabled", true)
	v.SetDefault("api.listen_addr", "0.0.0.0:8080")
	v.SetDefault("db.path", "meshbot.db")
	v.SetDefault("db.keep_per_conversation", 10000)
	v.SetDefault("webhook.timeout_seconds", 5)
	v.SetDefault("heartbeat.interval_seconds", 300)
	v.SetDefault("heartbeat.message", "heartbeat")
	v.SetDefault("heartbeat.mode", "broadcast")
	v.SetDefault("schedules.enabled", true)
	v.SetDefault("schedules.timezone", "Europe/Berlin")
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize resolves name-based channel references, parses command blocks,
// trims schedule items, and validates custom command templates.
func (c *Configuration) normalize() error {
	c.Bot.channelNames = make(map[int64]string)
	for k, name := range c.Bot.ChannelNames {
		idx, err := parseChannel(k)
		if err != nil {
			return fmt.Errorf("bot.channel_names: bad channel %q", k)
		}
		c.Bot.channelNames[idx] = name
	}

	var err error
	if c.Bot.channelAllow, err = c.resolveChannelList(c.Bot.Channels); err != nil {
		return fmt.Errorf("bot.channels: %w", err)
	}

	c.Bot.channelBlocks = make(map[string][]int64)
	c.Bot.dmBlocks = make(map[string]bool)
	for cmd, entries := range c.Bot.CommandBlocks {
		key := strings.ToLower(strings.TrimSpace(cmd))
		if key == "" {
			continue
		}
		var chs []int64
		for _, e := range entries {
			s := strings.TrimSpace(e)
			if s == "" {
				continue
			}
			if strings.EqualFold(s, "dm") {
				c.Bot.dmBlocks[key] = true
				continue
			}
			idx, ok := c.lookupChannel(s)
			if !ok {
				return fmt.Errorf("bot.command_blocks[%s]: unknown channel %q", cmd, s)
			}
			chs = appendUnique(chs, idx)
		}
		if len(chs) > 0 {
			c.Bot.channelBlocks[key] = chs
		}
	}

	items := c.Schedules.Items[:0]
	for _, it := range c.Schedules.Items {
		it.Time = strings.TrimSpace(it.Time)
		it.Text = strings.TrimSpace(it.Text)
		if it.Time == "" || it.Text == "" {
			continue
		}
		if it.DestinationID == "" {
			it.DestinationID = "^all"
		}
		for i, d := range it.Days {
			d = strings.ToLower(strings.TrimSpace(d))
			if len(d) > 3 {
				d = d[:3]
			}
			it.Days[i] = d
		}
		items = append(items, it)
	}
	c.Schedules.Items = items

	for _, cmd := range c.Commands.List {
		for _, m := range placeholderRegex.FindAllStringSubmatch(cmd.Response, -1) {
			if !knownPlaceholders[m[1]] {
				return fmt.Errorf("commands: trigger %q uses unknown placeholder {%s}", cmd.Trigger, m[1])
			}
		}
	}

	return nil
}

// resolveChannelList maps a mixed list of indices and channel names to indices.
func (c *Configuration) resolveChannelList(raw []string) ([]int64, error) {
	var out []int64
	for _, e := range raw {
		s := strings.TrimSpace(e)
		if s == "" {
			continue
		}
		idx, ok := c.lookupChannel(s)
		if !ok {
			return nil, fmt.Errorf("unknown channel %q", s)
		}
		out = appendUnique(out, idx)
	}
	return out, nil
}

// lookupChannel resolves a numeric index or a configured channel name.
func (c *Configuration) lookupChannel(s string) (int64, bool) {
	if idx, err := parseChannel(s); err == nil {
		return idx, true
	}
	for idx, name := range c.Bot.channelNames {
		if strings.EqualFold(name, s) {
			return idx, true
		}
	}
	return 0, false
}

func parseChannel(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 0, 64)
}

func appendUnique(list []int64, v int64) []int64 {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// ChannelName returns the friendly name for a channel index, or "ch<N>".
func (c *Configuration) ChannelName(idx int64) string {
	if n, ok := c.Bot.channelNames[idx]; ok {
		return n
	}
	return fmt.Sprintf("ch%d", idx)
}

// ChannelAllowed reports whether the bot reacts to commands on this channel.
// An empty allow-list allows every channel. DMs are not subject to this rule.
func (c *Configuration) ChannelAllowed(idx int64) bool {
	if len(c.Bot.channelAllow) == 0 {
		return true
	}
	for _, ch := range c.Bot.channelAllow {
		if ch == idx {
			return true
		}
	}
	return false
}

// CommandBlockedInChannel reports whether a command key is blocked on a channel.
func (c *Configuration) CommandBlockedInChannel(key string, channel int64) bool {
	for _, ch := range c.Bot.channelBlocks[strings.ToLower(key)] {
		if ch == channel {
			return true
		}
	}
	return false
}

// CommandBlockedInDM reports whether a command key is blocked in DMs.
func (c *Configuration) CommandBlockedInDM(key string) bool {
	return c.Bot.dmBlocks[strings.ToLower(key)]
}

// NodeByName resolves a node selector (configured name or host:port key).
// An empty selector matches nothing.
func (c *Configuration) NodeByName(sel string) (Node, bool) {
	if sel == "" {
		return Node{}, false
	}
	for _, n := range c.Nodes {
		if sel == n.Name || sel == n.Key() {
			return n, true
		}
	}
	return Node{}, false
}

const defaultConfig = `# meshbot configuration

[[nodes]]
host = "192.168.1.20"
port = 1883
name = "rooftop"

[mesh]
topic_root = "msh"

[bot]
name = "meshbot"
strict = false
commands_enabled = true
# channels = [0, "Trusted"]
# [bot.channel_names]
# 7 = "Trusted"
# [bot.command_blocks]
# "/stats" = [7, "dm"]

[api]
listen_addr = "0.0.0.0:8080"
tokens = ["CHANGE_ME_TOKEN"]

[db]
path = "meshbot.db"
keep_per_conversation = 10000

[webhook]
url = ""
timeout_seconds = 5

[heartbeat]
enabled = false
interval_seconds = 300
message = "heartbeat"
mode = "broadcast"
channel = 0

[schedules]
enabled = true
timezone = "Europe/Berlin"
# [[schedules.items]]
# time = "08:00"
# channel = 0
# text = "Good morning!"
# days = ["mon", "tue", "wed", "thu", "fri"]

[logging]
level = "info"
`

// EnsureDefault writes a commented default config file if none exists, so a
// fresh container boots far enough for the operator to edit it.
func EnsureDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfig), 0o644)
}
