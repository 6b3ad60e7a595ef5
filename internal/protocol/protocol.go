package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// Packet types
	PacketTypeOpen   = 0x01
	PacketTypeScores = 0x02
	PacketTypeClose  = 0x03

	// Version is the only protocol version accepted
	Version = 0x01

	// Packet structure sizes
	HeaderSize              = 8   // 1 + 2 + 4 + 1 bytes
	OpenPayloadSize         = 132 // 64 + 32 + 32 + 4 bytes
	ScoresPayloadHeaderSize = 10  // TimestampMs (8) + Count (2)
	ScoreSize               = 4   // float32

	// String field sizes in open payload
	ChannelIDSize = 64
	DeviceIDSize  = 32
	ModelSize     = 32
	TimestampSize = 4

	// MaxPacketSize is the largest length representable in the header
	MaxPacketSize = math.MaxUint16
	// MaxScores is the most scores that fit in a single packet
	MaxScores = (MaxPacketSize - HeaderSize - ScoresPayloadHeaderSize) / ScoreSize
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8  // 0x01=Open, 0x02=Scores, 0x03=Close
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Unique stream identifier
	Version    uint8
}

// OpenPayload represents the 132-byte stream open payload
// Layout: [ChannelID:64][DeviceID:32][Model:32][Timestamp:4]
type OpenPayload struct {
	ChannelID [ChannelIDSize]byte // Null-terminated string
	DeviceID  [DeviceIDSize]byte  // Null-terminated string
	Model     [ModelSize]byte     // Null-terminated string
	Timestamp uint32              // Unix timestamp
}

// ScoresPayload represents one classifier output frame
// Layout: [TimestampMs:8][Count:2][Score:4 x Count]
type ScoresPayload struct {
	TimestampMs int64
	Scores      []float64
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Open   *OpenPayload   // Only set for open packets
	Scores *ScoresPayload // Only set for scores packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}, nil
}

// ParseOpenPayload parses the 132-byte open payload
func ParseOpenPayload(data []byte) (*OpenPayload, error) {
	if len(data) < OpenPayloadSize {
		return nil, fmt.Errorf("open payload too short: expected %d bytes, got %d",
			OpenPayloadSize, len(data))
	}

	payload := &OpenPayload{}
	off := 0
	off += copy(payload.ChannelID[:], data[off:off+ChannelIDSize])
	off += copy(payload.DeviceID[:], data[off:off+DeviceIDSize])
	off += copy(payload.Model[:], data[off:off+ModelSize])
	payload.Timestamp = binary.BigEndian.Uint32(data[off : off+TimestampSize])

	return payload, nil
}

// ParseScoresPayload parses a scores payload. The payload must hold exactly Count scores.
func ParseScoresPayload(data []byte) (*ScoresPayload, error) {
	if len(data) < ScoresPayloadHeaderSize {
		return nil, fmt.Errorf("scores payload too short: expected at least %d bytes, got %d",
			ScoresPayloadHeaderSize, len(data))
	}

	count := int(binary.BigEndian.Uint16(data[8:10]))
	if expected := ScoresPayloadHeaderSize + count*ScoreSize; len(data) != expected {
		return nil, fmt.Errorf("scores payload size mismatch: count %d needs %d bytes, got %d",
			count, expected, len(data))
	}

	payload := &ScoresPayload{
		TimestampMs: int64(binary.BigEndian.Uint64(data[0:8])),
		Scores:      make([]float64, count),
	}

	off := ScoresPayloadHeaderSize
	for i := range payload.Scores {
		payload.Scores[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(data[off : off+ScoreSize])))
		off += ScoreSize
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeOpen:
		payload, err := ParseOpenPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse open payload: %w", err)
		}
		packet.Open = payload

	case PacketTypeScores:
		payload, err := ParseScoresPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse scores payload: %w", err)
		}
		packet.Scores = payload

	case PacketTypeClose:
		// No payload

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Version != Version {
		return fmt.Errorf("unsupported version: 0x%02x", header.Version)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeOpen:
		if payloadSize != OpenPayloadSize {
			return fmt.Errorf("open packet payload size mismatch: expected %d, got %d",
				OpenPayloadSize, payloadSize)
		}
	case PacketTypeScores:
		if payloadSize < ScoresPayloadHeaderSize {
			return fmt.Errorf("scores packet payload too small: expected at least %d, got %d",
				ScoresPayloadHeaderSize, payloadSize)
		}
	case PacketTypeClose:
		if payloadSize != 0 {
			return fmt.Errorf("close packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeOpen || ptype == PacketTypeScores || ptype == PacketTypeClose
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetChannelID extracts the channel ID as a string
func (o *OpenPayload) GetChannelID() string {
	return ExtractString(o.ChannelID[:])
}

// GetDeviceID extracts the device ID as a string
func (o *OpenPayload) GetDeviceID() string {
	return ExtractString(o.DeviceID[:])
}

// GetModel extracts the model name as a string
func (o *OpenPayload) GetModel() string {
	return ExtractString(o.Model[:])
}

// BuildOpenPacket encodes an open packet. Strings longer than their field are truncated.
func BuildOpenPacket(streamID uint32, channelID, deviceID, model string, timestamp uint32) []byte {
	buf := make([]byte, HeaderSize+OpenPayloadSize)
	putHeader(buf, PacketTypeOpen, streamID)

	off := HeaderSize
	copy(buf[off:off+ChannelIDSize], channelID)
	off += ChannelIDSize
	copy(buf[off:off+DeviceIDSize], deviceID)
	off += DeviceIDSize
	copy(buf[off:off+ModelSize], model)
	off += ModelSize
	binary.BigEndian.PutUint32(buf[off:off+TimestampSize], timestamp)

	return buf
}

// BuildScoresPacket encodes a scores packet. Scores are narrowed to float32 on the wire.
func BuildScoresPacket(streamID uint32, timestampMs int64, scores []float64) ([]byte, error) {
	if len(scores) > MaxScores {
		return nil, fmt.Errorf("too many scores: %d (maximum %d)", len(scores), MaxScores)
	}

	buf := make([]byte, HeaderSize+ScoresPayloadHeaderSize+len(scores)*ScoreSize)
	putHeader(buf, PacketTypeScores, streamID)

	off := HeaderSize
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(timestampMs))
	binary.BigEndian.PutUint16(buf[off+8:off+10], uint16(len(scores)))
	off += ScoresPayloadHeaderSize
	for _, s := range scores {
		binary.BigEndian.PutUint32(buf[off:off+ScoreSize], math.Float32bits(float32(s)))
		off += ScoreSize
	}

	return buf, nil
}

// BuildClosePacket encodes a close packet
func BuildClosePacket(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeClose, streamID)
	return buf
}

func putHeader(buf []byte, ptype uint8, streamID uint32) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = Version
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeOpen:
		packetType = "Open"
	case PacketTypeScores:
		packetType = "Scores"
	case PacketTypeClose:
		packetType = "Close"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Version:%d}",
		packetType, h.PacketLen, h.StreamID, h.Version)
}

// String returns a human-readable representation of the open payload
func (o *OpenPayload) String() string {
	return fmt.Sprintf("OpenPayload{ChannelID:%q, DeviceID:%q, Model:%q, Timestamp:%d}",
		o.GetChannelID(), o.GetDeviceID(), o.GetModel(), o.Timestamp)
}

// String returns a human-readable representation of the scores payload
func (s *ScoresPayload) String() string {
	return fmt.Sprintf("ScoresPayload{TimestampMs:%d, Count:%d}", s.TimestampMs, len(s.Scores))
}
