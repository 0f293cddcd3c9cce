// Package proto implements the framed message format of the internal
// cluster channel: a fixed 16-byte header followed by a UTF-8 JSON
// payload, carried over HTTP POSTs with an application/octet-stream body.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

// Magic identifies a cluster peer ("OAIC").
const Magic uint32 = 0x4F414943

// Version is the protocol version emitted and accepted.
const Version uint32 = 1

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 16

// MessageType enumerates the internal message kinds.
type MessageType uint32

const (
	TypeHandshake MessageType = iota + 1
	TypeHandshakeAck
	TypeRegisterModel
	TypeRegisterAck
	TypeHeartbeat
	TypeHeartbeatAck
	TypeForwardRequest
	TypeForwardResponse
	TypeError
	TypeDisconnect
)

// ModelType tags the request family a model serves.
type ModelType uint32

const (
	ModelChat ModelType = iota + 1
	ModelEmbedding
	ModelASR
	ModelTTS
	ModelImageGen
)

// Header is the fixed frame prefix. All fields are little-endian uint32.
type Header struct {
	Magic         uint32
	Version       uint32
	Type          MessageType
	PayloadLength uint32
}

// Valid reports whether magic and version identify a peer of ours.
func (h Header) Valid() bool {
	return h.Magic == Magic && h.Version == Version
}

var (
	// ErrShortFrame means the body is smaller than the frame header.
	ErrShortFrame = errors.New("proto: frame shorter than header")
	// ErrBadHeader means magic or version did not validate.
	ErrBadHeader = errors.New("proto: invalid magic or version")
	// ErrTruncated means the payload is shorter than the declared length.
	ErrTruncated = errors.New("proto: truncated payload")
)

// Encode frames a message of the given type around the JSON encoding of
// payload. A nil payload yields an empty JSON object.
func Encode(t MessageType, payload interface{}) []byte {
	body := []byte("{}")
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			body = b
		}
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(t))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}

// Decode validates the header and returns it with the raw JSON payload.
// The payload is not parsed beyond the length check; callers unmarshal
// into their message struct.
func Decode(body []byte) (Header, []byte, error) {
	if len(body) < HeaderSize {
		return Header{}, nil, ErrShortFrame
	}
	h := Header{
		Magic:         binary.LittleEndian.Uint32(body[0:4]),
		Version:       binary.LittleEndian.Uint32(body[4:8]),
		Type:          MessageType(binary.LittleEndian.Uint32(body[8:12])),
		PayloadLength: binary.LittleEndian.Uint32(body[12:16]),
	}
	if !h.Valid() {
		return Header{}, nil, ErrBadHeader
	}
	if len(body)-HeaderSize < int(h.PayloadLength) {
		return Header{}, nil, ErrTruncated
	}
	return h, body[HeaderSize : HeaderSize+int(h.PayloadLength)], nil
}
