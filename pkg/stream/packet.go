package stream

import (
	"fmt"

	"github.com/companion-protocol/companion-go/pkg/wire"
)

// packet is one BLE write's worth of a framed message.
// CBOR: { 1: messageID, 2: packetNumber, 3: totalPackets, 4: payload }
type packet struct {
	// MessageID groups the packets of one message.
	MessageID uint32 `cbor:"1,keyasint"`

	// PacketNumber is 1-based within the message.
	PacketNumber uint32 `cbor:"2,keyasint"`

	// TotalPackets is the packet count for the message.
	TotalPackets uint32 `cbor:"3,keyasint"`

	// Payload is this packet's slice of the encoded device message.
	Payload []byte `cbor:"4,keyasint"`
}

// packetOverhead is the worst-case CBOR envelope size around a packet
// payload: map header, four keys, three uint32 values, and the byte-string
// header.
const packetOverhead = 24

// minChunkPayload guards against absurdly small negotiated write lengths.
const minChunkPayload = 1

func encodePacket(p *packet) ([]byte, error) {
	return wire.Marshal(p)
}

func decodePacket(data []byte) (*packet, error) {
	var p packet
	if err := wire.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotParse, err)
	}
	if p.TotalPackets == 0 || p.PacketNumber == 0 || p.PacketNumber > p.TotalPackets {
		return nil, fmt.Errorf("%w: packet %d/%d", ErrCannotParse, p.PacketNumber, p.TotalPackets)
	}
	return &p, nil
}

// splitIntoPackets slices an encoded message into packets whose encoded size
// fits maxWriteLength.
func splitIntoPackets(messageID uint32, encoded []byte, maxWriteLength int) []*packet {
	chunkSize := maxWriteLength - packetOverhead
	if chunkSize < minChunkPayload {
		chunkSize = minChunkPayload
	}

	total := (len(encoded) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	packets := make([]*packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		packets = append(packets, &packet{
			MessageID:    messageID,
			PacketNumber: uint32(i + 1),
			TotalPackets: uint32(total),
			Payload:      encoded[start:end],
		})
	}
	return packets
}

// reassembly accumulates packets for one in-flight incoming message.
type reassembly struct {
	total    uint32
	received uint32
	chunks   [][]byte
}

func newReassembly(total uint32) *reassembly {
	return &reassembly{total: total, chunks: make([][]byte, total)}
}

// add records a packet. Returns true when the message is complete.
// Duplicate packets are ignored.
func (r *reassembly) add(p *packet) bool {
	idx := p.PacketNumber - 1
	if r.chunks[idx] == nil {
		r.chunks[idx] = p.Payload
		r.received++
	}
	return r.received == r.total
}

// assemble concatenates the chunks in order.
func (r *reassembly) assemble() []byte {
	size := 0
	for _, c := range r.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}
