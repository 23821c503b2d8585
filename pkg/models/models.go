package models

// ConversationType distinguishes channel broadcasts from direct messages.
type ConversationType string

const (
	ConversationChannel ConversationType = "channel"
	ConversationDM      ConversationType = "dm"
)

// Direction marks whether a message was received or transmitted by the bot.
type Direction string

const (
	DirectionRX Direction = "rx"
	DirectionTX Direction = "tx"
)

// Conversation is the normalized key a message history row is grouped under.
// Exactly one of Channel or PeerID is set, depending on Type.
type Conversation struct {
	Type    ConversationType
	Channel *int64
	PeerID  *string
}

// ChannelConversation builds the key for a channel broadcast context.
func ChannelConversation(channel int64) Conversation {
	return Conversation{Type: ConversationChannel, Channel: &channel}
}

// DMConversation builds the key for a direct-message peer context.
func DMConversation(peerID string) Conversation {
	return Conversation{Type: ConversationDM, PeerID: &peerID}
}

func (c Conversation) IsDM() bool {
	return c.Type == ConversationDM
}

// Message is one row of the append-only message history.
type Message struct {
	ID               int64            `db:"id" json:"id"`
	Ts               int64            `db:"ts" json:"ts"`
	ConversationType ConversationType `db:"conversation_type" json:"conversation_type"`
	Channel          *int64           `db:"channel" json:"channel,omitempty"`
	ChannelName      *string          `db:"channel_name" json:"channel_name,omitempty"`
	PeerID           *string          `db:"peer_id" json:"peer_id,omitempty"`
	UserID           *string          `db:"user_id" json:"user_id,omitempty"`
	NameShort        *string          `db:"name_short" json:"name_short,omitempty"`
	NameLong         *string          `db:"name_long" json:"name_long,omitempty"`
	ConnectionKey    *string          `db:"connection_key" json:"connection_key,omitempty"`
	Direction        Direction        `db:"direction" json:"direction"`
	Message          string           `db:"message" json:"message"`
}

// Conversation reconstructs the conversation key of a stored row.
func (m *Message) Conversation() Conversation {
	return Conversation{Type: m.ConversationType, Channel: m.Channel, PeerID: m.PeerID}
}

// Station tracks when a node was first and most recently heard.
type Station struct {
	NodeID    string `db:"node_id" json:"node_id"`
	FirstSeen int64  `db:"first_seen" json:"first_seen"`
	LastSeen  int64  `db:"last_seen" json:"last_seen"`
}

// NameEntry is one observed (short, long) name pair for a node. A new row is
// appended only when the pair differs from the node's most recent entry.
type NameEntry struct {
	ID     int64   `db:"id" json:"-"`
	NodeID string  `db:"node_id" json:"node_id"`
	SeenAt int64   `db:"seen_at" json:"seen_at"`
	Short  *string `db:"short" json:"short"`
	Long   *string `db:"long" json:"long"`
}
