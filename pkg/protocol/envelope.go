// Package protocol defines the wire envelope carried over a session's
// connection: a fixed little-endian header tagging each opaque payload with
// its channel id and delivery mode.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed header layout (12 bytes). All integer fields are little-endian.
//
//	0 ..1   Magic      'P''M' (0x4d50)
//	2       Version    u8
//	3       Flags      u8
//	4 ..7   Channel    u32
//	8 ..11  PayloadLen u32
const (
	HeaderSize = 12
	magicWord  = uint16(0x4d50) // 'P''M'

	// Version of the envelope format.
	Version = 1
)

// Flags bitmask (uint8).
const (
	// FlagReliable marks the payload for exactly-once, in-order delivery
	// within its channel. Unset means best effort.
	FlagReliable uint8 = 1 << 0
)

// Limits on what a well-formed envelope may carry.
const (
	// MaxPayload bounds a single message payload.
	MaxPayload = 512 * 1024
	// MaxChannel bounds the channel id numbering space. Small ids are the
	// efficient common case; the bound only rejects garbage.
	MaxChannel = 1 << 20
)

var (
	ErrBadMagic     = errors.New("protocol: bad magic")
	ErrBadVersion   = errors.New("protocol: unsupported version")
	ErrShortFrame   = errors.New("protocol: short frame")
	ErrOversized    = errors.New("protocol: payload too large")
	ErrBadChannel   = errors.New("protocol: channel id out of range")
	ErrTrailingData = errors.New("protocol: trailing bytes after payload")
)

// Envelope is one channel-tagged message as it travels over a connection.
type Envelope struct {
	Channel  uint32
	Reliable bool
	Payload  []byte
}

// EncodeFrame returns the envelope as a single header+payload byte slice.
func (e *Envelope) EncodeFrame() ([]byte, error) {
	if len(e.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversized, len(e.Payload))
	}
	if e.Channel >= MaxChannel {
		return nil, fmt.Errorf("%w: %d", ErrBadChannel, e.Channel)
	}
	out := make([]byte, HeaderSize+len(e.Payload))
	binary.LittleEndian.PutUint16(out[0:2], magicWord)
	out[2] = Version
	if e.Reliable {
		out[3] = FlagReliable
	}
	binary.LittleEndian.PutUint32(out[4:8], e.Channel)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(e.Payload)))
	copy(out[HeaderSize:], e.Payload)
	return out, nil
}

// DecodeFrame parses a single frame. The payload is copied out of buf so the
// caller may reuse its buffer.
func (e *Envelope) DecodeFrame(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortFrame
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return ErrBadMagic
	}
	if buf[2] != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, buf[2])
	}
	e.Reliable = buf[3]&FlagReliable != 0
	e.Channel = binary.LittleEndian.Uint32(buf[4:8])
	if e.Channel >= MaxChannel {
		return fmt.Errorf("%w: %d", ErrBadChannel, e.Channel)
	}
	n := int(binary.LittleEndian.Uint32(buf[8:12]))
	if n > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrOversized, n)
	}
	if HeaderSize+n > len(buf) {
		return ErrShortFrame
	}
	if HeaderSize+n < len(buf) {
		return ErrTrailingData
	}
	e.Payload = append(e.Payload[:0], buf[HeaderSize:HeaderSize+n]...)
	return nil
}
