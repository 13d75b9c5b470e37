package core

// Announcement, acknowledgment and request payloads. These propagate new
// entities with low traffic overhead: ANNOUNCE advertises an entity id, ACK
// confirms it, REQ asks for the entity itself. Only the packet types and these
// codecs exist: peers do not send such packets, and a peer that receives one
// treats it as an unexpected packet.

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
)

// AnnouncementPayload advertises a single entity id with a freshness stamp.
type AnnouncementPayload struct {
	EntityID  Hash
	Timestamp time.Time
}

// NewAnnouncementPayload composes an announcement for entityID with a fresh
// timestamp.
func NewAnnouncementPayload(entityID Hash) *AnnouncementPayload {
	return &AnnouncementPayload{
		EntityID:  entityID,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

// Serialize converts the payload to its wire form.
func (a *AnnouncementPayload) Serialize() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Write(a.EntityID[:])
	binary.Write(buf, binary.BigEndian, a.Timestamp.Unix())
	return buf.Bytes(), nil
}

// DeserializeAnnouncementPayload parses the wire form of an announcement.
func DeserializeAnnouncementPayload(data []byte) (*AnnouncementPayload, error) {
	if len(data) != HashSize+8 {
		logrus.Warnf("Announcement payload has wrong size: %d bytes", len(data))
		return nil, ErrMalformed
	}
	entityID, _ := HashFromSlice(data[:HashSize])
	timestamp := int64(binary.BigEndian.Uint64(data[HashSize:]))
	return &AnnouncementPayload{
		EntityID:  entityID,
		Timestamp: time.Unix(timestamp, 0).UTC(),
	}, nil
}

// EntityIDPayload is the common body of ACK and REQ packets: a bare entity id.
type EntityIDPayload struct {
	EntityID Hash
}

// Serialize converts the payload to its wire form.
func (e *EntityIDPayload) Serialize() ([]byte, error) {
	out := make([]byte, HashSize)
	copy(out, e.EntityID[:])
	return out, nil
}

// DeserializeEntityIDPayload parses the wire form of an ACK or REQ body.
func DeserializeEntityIDPayload(data []byte) (*EntityIDPayload, error) {
	if len(data) != HashSize {
		logrus.Warnf("Entity id payload has wrong size: %d bytes", len(data))
		return nil, ErrMalformed
	}
	entityID, _ := HashFromSlice(data)
	return &EntityIDPayload{EntityID: entityID}, nil
}
