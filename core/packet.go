package core

// Packet is the framed wire unit exchanged between peers: a fixed header,
// a type-dependent payload and a signature trailer.

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// PacketType enumerates the wire packet kinds. The set is closed: unknown
// values are a protocol violation.
type PacketType uint16

const (
	// PacketTypeUser encapsulates one user entity.
	PacketTypeUser PacketType = iota
	// PacketTypeMsg encapsulates one message entity.
	PacketTypeMsg
	// PacketTypeOper is reserved for operation entities.
	PacketTypeOper
	// PacketTypeHello carries the handshake payload.
	PacketTypeHello
	// PacketTypeAnnounce advertises a single entity id.
	PacketTypeAnnounce
	// PacketTypeAck acknowledges an announcement.
	PacketTypeAck
	// PacketTypeReq requests a known entity id.
	PacketTypeReq

	// packetTypeLast bounds the valid range; new types go above it.
	packetTypeLast
)

const (
	// HeaderSize is the width of the packet header: u16 type + u16 total.
	HeaderSize = 4

	// PacketMaxSize caps total_size; larger packets are a protocol
	// violation.
	PacketMaxSize = 65535

	// packetTrailerSize is the signature trailer: u16 length + signature.
	packetTrailerSize = 2 + SignatureSize

	// PacketMinSize is the smallest valid total_size: header, trailer and
	// at least one payload byte.
	PacketMinSize = HeaderSize + packetTrailerSize + 1
)

// Header is the fixed packet prefix, both fields big-endian.
type Header struct {
	Type PacketType
	Size uint16
}

// ParseHeader decodes a packet header from exactly HeaderSize bytes.
func ParseHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, ErrMalformed
	}
	return Header{
		Type: PacketType(binary.BigEndian.Uint16(data[0:2])),
		Size: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

func (h Header) serializeInto(out []byte) {
	binary.BigEndian.PutUint16(out[0:2], uint16(h.Type))
	binary.BigEndian.PutUint16(out[2:4], h.Size)
}

// Packet is a framed wire unit.
type Packet struct {
	Type    PacketType
	Payload []byte
	Sig     Signature
}

// NewPacket creates a packet with an empty signature. Packets other than
// USER must be signed explicitly before sending.
func NewPacket(t PacketType, payload []byte) *Packet {
	p := &Packet{Type: t}
	if len(payload) != 0 {
		p.Payload = make([]byte, len(payload))
		copy(p.Payload, payload)
	}
	return p
}

// Size returns the full packet size, header and trailer included.
func (p *Packet) Size() int {
	return HeaderSize + len(p.Payload) + packetTrailerSize
}

// Description returns a one-line text description for log lines.
func (p *Packet) Description() string {
	return fmt.Sprintf("type %d, size %d", p.Type, p.Size())
}

// Serialize converts the packet to raw data ready for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	size := p.Size()
	if size > PacketMaxSize {
		return nil, fmt.Errorf("packet too large: %d", size)
	}
	out := make([]byte, size)
	Header{Type: p.Type, Size: uint16(size)}.serializeInto(out)
	copy(out[HeaderSize:], p.Payload)
	trailer := out[HeaderSize+len(p.Payload):]
	binary.BigEndian.PutUint16(trailer[0:2], p.Sig.Len)
	copy(trailer[2:], p.Sig.Raw[:])
	return out, nil
}

// DeserializePacket rebuilds a packet from a parsed header and the remaining
// total_size − HeaderSize bytes of the frame.
func DeserializePacket(header Header, data []byte) (*Packet, error) {
	if int(header.Size) <= HeaderSize+packetTrailerSize {
		logrus.Warnf("Packet size is too small: %d", header.Size)
		return nil, ErrMalformed
	}
	if header.Type >= packetTypeLast {
		logrus.Warnf("Invalid packet type: %d", header.Type)
		return nil, ErrMalformed
	}
	if len(data) != int(header.Size)-HeaderSize {
		logrus.Warnf("Packet body has wrong size: %d", len(data))
		return nil, ErrMalformed
	}

	payloadSize := len(data) - packetTrailerSize
	p := &Packet{Type: header.Type}
	p.Payload = make([]byte, payloadSize)
	copy(p.Payload, data[:payloadSize])

	trailer := data[payloadSize:]
	sigLen := binary.BigEndian.Uint16(trailer[0:2])
	sig, err := SignatureFromSlice(trailer[2:], sigLen)
	if err != nil {
		return nil, ErrMalformed
	}
	p.Sig = sig
	return p, nil
}

// signedBytes returns the bytes the packet signature covers: header and
// payload, without the trailer.
func (p *Packet) signedBytes() []byte {
	out := make([]byte, HeaderSize+len(p.Payload))
	Header{Type: p.Type, Size: uint16(p.Size())}.serializeInto(out)
	copy(out[HeaderSize:], p.Payload)
	return out
}

// SignPacket signs header and payload with the sender's key.
func (p *Packet) SignPacket(key *ecdsa.PrivateKey) error {
	sig, err := Sign(p.signedBytes(), key)
	if err != nil {
		return err
	}
	p.Sig = sig
	return nil
}

// VerifyPacket checks the packet signature under the sender's public key.
func (p *Packet) VerifyPacket(pub *ecdsa.PublicKey) bool {
	return Verify(p.signedBytes(), pub, p.Sig)
}
