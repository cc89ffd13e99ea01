package protocol

import (
	"encoding/binary"
	"errors"
)

// Tunnel carrier control messages (text frames).
const (
	// Server → helper inside the session
	TypeTunnelOpen = "open"
	// Helper → server
	TypeTunnelErr = "err"
)

// TunnelOpen asks the in-session helper to connect to a loopback port and
// bind the resulting TCP connection to stream ID.
type TunnelOpen struct {
	Type string `json:"type"`
	ID   uint32 `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TunnelErr aborts a single stream with an error.
type TunnelErr struct {
	Type    string `json:"type"`
	ID      uint32 `json:"id"`
	Message string `json:"message"`
}

// Binary frames on the carrier: [type:u8][stream_id:u32 BE][payload].
const (
	FrameData byte = 0x01
	FrameEnd  byte = 0x02
)

const frameHeaderLen = 5

// ErrShortFrame is returned for binary frames shorter than the header.
var ErrShortFrame = errors.New("tunnel frame too short")

// EncodeFrame builds a carrier binary frame.
func EncodeFrame(frameType byte, streamID uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = frameType
	binary.BigEndian.PutUint32(buf[1:5], streamID)
	copy(buf[5:], payload)
	return buf
}

// DecodeFrame splits a carrier binary frame. The payload aliases the input.
func DecodeFrame(data []byte) (frameType byte, streamID uint32, payload []byte, err error) {
	if len(data) < frameHeaderLen {
		return 0, 0, nil, ErrShortFrame
	}
	return data[0], binary.BigEndian.Uint32(data[1:5]), data[5:], nil
}
