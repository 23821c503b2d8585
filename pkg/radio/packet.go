package radio

import "encoding/json"

// Packet is a raw inbound frame as published on the node's JSON topic tree.
// Field shapes vary between firmware and library versions, so consumers must
// treat every field as optional.
type Packet map[string]any

// DecodePacket parses a JSON payload into a Packet.
func DecodePacket(payload []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return p, nil
}
