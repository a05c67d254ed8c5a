// Package wire implements the relay frame codec (§4.7): a single-byte
// type tag followed by a type-specific, big-endian-integer body.
package wire

import (
	"encoding/binary"
	"errors"
)

// Tag identifies a relay frame's type.
type Tag byte

const (
	TagHello       Tag = 0x01
	TagHelloAck    Tag = 0x02
	TagSend        Tag = 0x03
	TagSendAck     Tag = 0x04
	TagDeliver     Tag = 0x05
	TagDeliverAck  Tag = 0x06
	TagPing        Tag = 0x07
	TagPong        Tag = 0x08
	TagError       Tag = 0x09
)

// MaxCiphertextSize is the hard cap on a frame's ciphertext body (§4.7).
const MaxCiphertextSize = 256 * 1024

var (
	ErrFrameTooShort   = errors.New("wire: frame too short")
	ErrFrameTooLarge   = errors.New("wire: ciphertext exceeds 256 KiB")
	ErrUnknownTag      = errors.New("wire: unknown frame tag")
	ErrMalformedFrame  = errors.New("wire: malformed frame body")
)

// Hello is tag 0x01: pubkey(32) ‖ nonce(16) ‖ sig_over_nonce(64).
type Hello struct {
	PubKey    [32]byte
	Nonce     [16]byte
	Signature [64]byte
}

// HelloAck is tag 0x02: server_time(8).
type HelloAck struct {
	ServerTime int64
}

// Send is tag 0x03: recipient_pubkey(32) ‖ message_id(16) ‖ len(4) ‖ ciphertext(len).
// message_id is chosen by the sender and echoed verbatim in the SendAck,
// so the sender can correlate its own pending acks (§4.7/§4.8).
type Send struct {
	RecipientPubKey [32]byte
	MessageID       [16]byte
	Ciphertext      []byte
}

// SendAck is tag 0x04: message_id(16).
type SendAck struct {
	MessageID [16]byte
}

// Deliver is tag 0x05: message_id(16) ‖ sender_pubkey(32) ‖ len(4) ‖ ciphertext(len).
type Deliver struct {
	MessageID     [16]byte
	SenderPubKey  [32]byte
	Ciphertext    []byte
}

// DeliverAck is tag 0x06: message_id(16).
type DeliverAck struct {
	MessageID [16]byte
}

// ErrorFrame is tag 0x09: code(1) ‖ len(2) ‖ utf8_message(len).
type ErrorFrame struct {
	Code    ErrorCode
	Message string
}

// ErrorCode enumerates the relay-originated error codes carried on the
// wire (distinct from the client's internal weberr kinds).
type ErrorCode byte

const (
	ErrorCodeBusy          ErrorCode = 1
	ErrorCodeRateLimited   ErrorCode = 2
	ErrorCodeAuthFailed    ErrorCode = 3
	ErrorCodeUnknownFrame  ErrorCode = 4
	ErrorCodeForwarded     ErrorCode = 5
)

// Encode serializes a frame value into its wire representation. v must be
// one of the types declared in this package.
func Encode(v any) ([]byte, error) {
	switch f := v.(type) {
	case Hello:
		buf := make([]byte, 1, 1+32+16+64)
		buf[0] = byte(TagHello)
		buf = append(buf, f.PubKey[:]...)
		buf = append(buf, f.Nonce[:]...)
		buf = append(buf, f.Signature[:]...)
		return buf, nil
	case HelloAck:
		buf := make([]byte, 9)
		buf[0] = byte(TagHelloAck)
		binary.BigEndian.PutUint64(buf[1:], uint64(f.ServerTime))
		return buf, nil
	case Send:
		if len(f.Ciphertext) > MaxCiphertextSize {
			return nil, ErrFrameTooLarge
		}
		buf := make([]byte, 1+32+16+4, 1+32+16+4+len(f.Ciphertext))
		buf[0] = byte(TagSend)
		copy(buf[1:33], f.RecipientPubKey[:])
		copy(buf[33:49], f.MessageID[:])
		binary.BigEndian.PutUint32(buf[49:53], uint32(len(f.Ciphertext)))
		buf = append(buf, f.Ciphertext...)
		return buf, nil
	case SendAck:
		buf := make([]byte, 1+16)
		buf[0] = byte(TagSendAck)
		copy(buf[1:], f.MessageID[:])
		return buf, nil
	case Deliver:
		if len(f.Ciphertext) > MaxCiphertextSize {
			return nil, ErrFrameTooLarge
		}
		buf := make([]byte, 1+16+32+4, 1+16+32+4+len(f.Ciphertext))
		buf[0] = byte(TagDeliver)
		copy(buf[1:17], f.MessageID[:])
		copy(buf[17:49], f.SenderPubKey[:])
		binary.BigEndian.PutUint32(buf[49:53], uint32(len(f.Ciphertext)))
		buf = append(buf, f.Ciphertext...)
		return buf, nil
	case DeliverAck:
		buf := make([]byte, 1+16)
		buf[0] = byte(TagDeliverAck)
		copy(buf[1:], f.MessageID[:])
		return buf, nil
	case ErrorFrame:
		msg := []byte(f.Message)
		buf := make([]byte, 1+1+2, 1+1+2+len(msg))
		buf[0] = byte(TagError)
		buf[1] = byte(f.Code)
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(msg)))
		buf = append(buf, msg...)
		return buf, nil
	default:
		return nil, ErrUnknownTag
	}
}

// EncodePing returns a bare PING frame.
func EncodePing() []byte { return []byte{byte(TagPing)} }

// EncodePong returns a bare PONG frame.
func EncodePong() []byte { return []byte{byte(TagPong)} }

// Decode parses a raw frame, returning its tag and the tag-specific
// decoded value (one of this package's frame structs, or nil for
// PING/PONG which carry no body).
func Decode(raw []byte) (Tag, any, error) {
	if len(raw) < 1 {
		return 0, nil, ErrFrameTooShort
	}
	tag := Tag(raw[0])
	body := raw[1:]

	switch tag {
	case TagHello:
		if len(body) != 32+16+64 {
			return tag, nil, ErrMalformedFrame
		}
		var h Hello
		copy(h.PubKey[:], body[0:32])
		copy(h.Nonce[:], body[32:48])
		copy(h.Signature[:], body[48:112])
		return tag, h, nil
	case TagHelloAck:
		if len(body) != 8 {
			return tag, nil, ErrMalformedFrame
		}
		return tag, HelloAck{ServerTime: int64(binary.BigEndian.Uint64(body))}, nil
	case TagSend:
		if len(body) < 52 {
			return tag, nil, ErrMalformedFrame
		}
		n := binary.BigEndian.Uint32(body[48:52])
		if n > MaxCiphertextSize || int(n) != len(body)-52 {
			return tag, nil, ErrFrameTooLarge
		}
		var s Send
		copy(s.RecipientPubKey[:], body[0:32])
		copy(s.MessageID[:], body[32:48])
		s.Ciphertext = append([]byte(nil), body[52:52+n]...)
		return tag, s, nil
	case TagSendAck:
		if len(body) != 16 {
			return tag, nil, ErrMalformedFrame
		}
		var a SendAck
		copy(a.MessageID[:], body)
		return tag, a, nil
	case TagDeliver:
		if len(body) < 52 {
			return tag, nil, ErrMalformedFrame
		}
		n := binary.BigEndian.Uint32(body[48:52])
		if n > MaxCiphertextSize || int(n) != len(body)-52 {
			return tag, nil, ErrFrameTooLarge
		}
		var d Deliver
		copy(d.MessageID[:], body[0:16])
		copy(d.SenderPubKey[:], body[16:48])
		d.Ciphertext = append([]byte(nil), body[52:52+n]...)
		return tag, d, nil
	case TagDeliverAck:
		if len(body) != 16 {
			return tag, nil, ErrMalformedFrame
		}
		var a DeliverAck
		copy(a.MessageID[:], body)
		return tag, a, nil
	case TagPing:
		return tag, nil, nil
	case TagPong:
		return tag, nil, nil
	case TagError:
		if len(body) < 3 {
			return tag, nil, ErrMalformedFrame
		}
		code := ErrorCode(body[0])
		n := binary.BigEndian.Uint16(body[1:3])
		if int(n) != len(body)-3 {
			return tag, nil, ErrMalformedFrame
		}
		return tag, ErrorFrame{Code: code, Message: string(body[3 : 3+n])}, nil
	default:
		return tag, nil, ErrUnknownTag
	}
}
