package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	errs "github.com/tovrik/undertow/internal/errors"
)

// BitTorrent message types
const (
	Choke         byte = 0
	Unchoke       byte = 1
	Interested    byte = 2
	NotInterested byte = 3
	Have          byte = 4
	BitField      byte = 5
	Request       byte = 6
	Piece         byte = 7
	Cancel        byte = 8
)

// Remote peers are third-party software; every encoding
// here is defined by the protocol and must match it
// byte-for-byte.
type Message interface {
	Bytes() []byte
}

const pStr = "BitTorrent protocol"

// HandshakeMessage is the fixed 68-byte message that opens
// every peer-wire connection: a length-prefixed protocol
// string, 8 reserved bytes, the info hash and the peer ID.
type HandshakeMessage struct {
	PStr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func (m HandshakeMessage) Bytes() []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(len(pStr)))
	buf.WriteString(pStr)
	buf.Write(m.Reserved[:])
	buf.Write(m.InfoHash[:])
	buf.Write(m.PeerID[:])

	return buf.Bytes()
}

type KeepAliveMessage struct{}

func (m KeepAliveMessage) Bytes() []byte {
	return []byte{0, 0, 0, 0}
}

type ChokeMessage struct{}

func (m ChokeMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Choke}
}

type UnchokeMessage struct{}

func (m UnchokeMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Unchoke}
}

type InterestedMessage struct{}

func (m InterestedMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Interested}
}

type NotInterestedMessage struct{}

func (m NotInterestedMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, NotInterested}
}

// HaveMessage announces that the sender has downloaded and
// verified the piece at Index
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(5))
	buf.WriteByte(Have)
	binary.Write(&buf, binary.BigEndian, m.Index)

	return buf.Bytes()
}

// BitFieldMessage is only ever sent as the first message
// after the handshake. Its payload has each index the
// sender has set to 1 and the rest set to 0; the first byte
// covers indices 0-7 from high bit to low bit.
type BitFieldMessage struct {
	BitField []byte
}

func (m BitFieldMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(len(m.BitField)+1))
	buf.WriteByte(BitField)
	buf.Write(m.BitField)

	return buf.Bytes()
}

// RequestMessage asks for Length bytes of piece Index
// starting at byte Offset within the piece. Implementations
// use 16 KiB blocks and drop connections that ask for more.
type RequestMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m RequestMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(13))
	buf.WriteByte(Request)
	binary.Write(&buf, binary.BigEndian, m.Index)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	binary.Write(&buf, binary.BigEndian, m.Length)

	return buf.Bytes()
}

// PieceMessage carries one block of piece data
type PieceMessage struct {
	Index  uint32
	Offset uint32
	Data   []byte
}

func (m PieceMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(len(m.Data)+9))
	buf.WriteByte(Piece)
	binary.Write(&buf, binary.BigEndian, m.Index)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	buf.Write(m.Data)

	return buf.Bytes()
}

// CancelMessage withdraws a pending request. Sent during
// end-game when a block arrives from another peer while
// duplicate requests for it are still outstanding.
type CancelMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m CancelMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(13))
	buf.WriteByte(Cancel)
	binary.Write(&buf, binary.BigEndian, m.Index)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	binary.Write(&buf, binary.BigEndian, m.Length)

	return buf.Bytes()
}

// UnmarshalHandshake reads exactly 68 bytes from r
func UnmarshalHandshake(r io.Reader, msg *HandshakeMessage) error {
	var op errs.Op = "wire.UnmarshalHandshake"

	data := make([]byte, 68)
	_, err := io.ReadFull(r, data)
	if err != nil {
		return errs.Wrap(err, op, errs.Network)
	}

	pStrLen := int(data[0])
	if pStrLen != len(pStr) {
		err := fmt.Errorf("expected pstrlen %d but got %d", len(pStr), pStrLen)
		return errs.Wrap(err, op, errs.BadArgument)
	}

	msg.PStr = string(data[1:20])
	copy(msg.Reserved[:], data[20:28])
	copy(msg.InfoHash[:], data[28:48])
	copy(msg.PeerID[:], data[48:])

	return nil
}

// maxMessageLength bounds what we will buffer for a single
// message: one block plus the piece message header.
const maxMessageLength = 16*1024 + 9

// UnmarshalMessage reads a single length-prefixed message
// from r. A zero length prefix is a keep-alive.
func UnmarshalMessage(r io.Reader) (Message, error) {
	var op errs.Op = "wire.UnmarshalMessage"

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, errs.Wrap(err, op, errs.Network)
	}

	messageLength := binary.BigEndian.Uint32(prefix)
	if messageLength == 0 {
		return KeepAliveMessage{}, nil
	}

	if messageLength > maxMessageLength {
		err := fmt.Errorf("message length %d exceeds maximum %d", messageLength, maxMessageLength)
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}

	buf := make([]byte, messageLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(err, op, errs.Network)
	}

	var (
		messageType = buf[0]
		payload     = buf[1:]
	)

	switch messageType {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		return unmarshalHaveMessage(payload)
	case BitField:
		return BitFieldMessage{BitField: payload}, nil
	case Request:
		return unmarshalRequestMessage(payload)
	case Piece:
		return unmarshalPieceMessage(payload)
	case Cancel:
		return unmarshalCancelMessage(payload)
	default:
		err := fmt.Errorf("unknown message type %d", messageType)
		return nil, errs.Wrap(err, op, errs.BadArgument)
	}
}

func unmarshalHaveMessage(data []byte) (HaveMessage, error) {
	var msg HaveMessage

	if len(data) != 4 {
		return msg, errs.Newf("have payload length: want %d got %d", 4, len(data))
	}

	msg.Index = binary.BigEndian.Uint32(data)
	return msg, nil
}

func unmarshalRequestMessage(data []byte) (RequestMessage, error) {
	var msg RequestMessage

	if got := len(data); got != 12 {
		return msg, errs.Newf("request payload length: want %d got %d", 12, got)
	}

	msg.Index = binary.BigEndian.Uint32(data[:4])
	msg.Offset = binary.BigEndian.Uint32(data[4:8])
	msg.Length = binary.BigEndian.Uint32(data[8:12])

	return msg, nil
}

func unmarshalPieceMessage(data []byte) (PieceMessage, error) {
	var msg PieceMessage

	if got := len(data); got < 8 {
		return msg, errs.Newf("piece payload length: want at least %d got %d", 8, got)
	}

	msg.Index = binary.BigEndian.Uint32(data[:4])
	msg.Offset = binary.BigEndian.Uint32(data[4:8])
	msg.Data = data[8:]

	return msg, nil
}

func unmarshalCancelMessage(data []byte) (CancelMessage, error) {
	var msg CancelMessage

	if got := len(data); got != 12 {
		return msg, errs.Newf("cancel payload length: want %d got %d", 12, got)
	}

	msg.Index = binary.BigEndian.Uint32(data[:4])
	msg.Offset = binary.BigEndian.Uint32(data[4:8])
	msg.Length = binary.BigEndian.Uint32(data[8:12])

	return msg, nil
}
