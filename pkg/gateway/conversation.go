package gateway

import (
	"github.com/mokny/meshbot/pkg/models"
	"github.com/mokny/meshbot/pkg/radio"
)

// ConversationForIncoming derives the conversation key of an inbound packet:
// broadcasts belong to their channel, everything else is a DM from the sender.
func ConversationForIncoming(pkt radio.Packet, fromID string) models.Conversation {
	if IsBroadcast(pkt) {
		return models.ChannelConversation(ChannelIndex(pkt))
	}
	return models.DMConversation(fromID)
}

// ConversationForOutgoing derives the conversation key of an outbound send.
// A destination of "^all" (or empty) is a channel broadcast; anything else
// is a DM to that node.
func ConversationForOutgoing(destinationID string, channel int64) models.Conversation {
	if destinationID == "" || destinationID == "^all" {
		return models.ChannelConversation(channel)
	}
	return models.DMConversation(destinationID)
}

// ReplyDest returns where a response to the given conversation goes: back to
// the peer for a DM, to everyone for a channel message.
func ReplyDest(conv models.Conversation) string {
	if conv.IsDM() && conv.PeerID != nil {
		return *conv.PeerID
	}
	return "^all"
}
