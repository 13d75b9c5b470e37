package core

// Message entity: a signed post classified by a topic. Thread roots carry an
// all-zero parent id; replies point at their parent message.

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
)

// msgFixedSize is the size of the fixed-width prefix of the wire form:
// u16 topic_len + u16 subject_len + u16 text_len + i64 timestamp +
// author_id + parent_id.
const msgFixedSize = 2 + 2 + 2 + 8 + HashSize + HashSize

// Message is a discussion post.
type Message struct {
	Topic     Topic
	Subject   string
	Text      string
	Timestamp time.Time
	AuthorID  Hash
	ParentID  Hash
	Sig       Signature

	id Hash
}

func newMessageNoSignature(topic Topic, subject, text string, authorID, parentID Hash,
	timestamp time.Time) *Message {

	msg := &Message{
		Topic:     topic.Copy(),
		Subject:   subject,
		Text:      text,
		Timestamp: timestamp.UTC().Truncate(time.Second),
		AuthorID:  authorID,
		ParentID:  parentID,
	}
	msg.id = SHA512(msg.serializePrefix())
	return msg
}

// NewMessage assembles a message entity from its parsed fields.
func NewMessage(topic Topic, subject, text string, authorID, parentID Hash,
	timestamp time.Time, sig Signature) *Message {

	msg := newMessageNoSignature(topic, subject, text, authorID, parentID, timestamp)
	msg.Sig = sig
	return msg
}

// EmergeMessage creates and signs a new local post. parentID is ZeroHash for
// a thread root.
func EmergeMessage(topic Topic, subject, text string, authorID Hash, parentID Hash,
	key *ecdsa.PrivateKey) (*Message, error) {

	msg := newMessageNoSignature(topic, subject, text, authorID, parentID, time.Now())
	sig, err := Sign(msg.serializePrefix(), key)
	if err != nil {
		return nil, err
	}
	msg.Sig = sig
	return msg, nil
}

// EntityType implements Entity.
func (m *Message) EntityType() EntityType { return EntityTypeMessage }

// ID implements Entity. The id is a pure function of the canonical prefix and
// is therefore stable across peers.
func (m *Message) ID() Hash { return m.id }

// Description implements Entity.
func (m *Message) Description() string { return m.Subject }

// IsRoot reports whether the message starts a thread.
func (m *Message) IsRoot() bool { return m.ParentID.IsZero() }

// serializePrefix emits the canonical prefix: every field except the
// signature length and signature.
func (m *Message) serializePrefix() []byte {
	topicStr := m.Topic.String()

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(len(topicStr)))
	binary.Write(buf, binary.BigEndian, uint16(len(m.Subject)))
	binary.Write(buf, binary.BigEndian, uint16(len(m.Text)))
	binary.Write(buf, binary.BigEndian, m.Timestamp.Unix())
	buf.Write(m.AuthorID[:])
	buf.Write(m.ParentID[:])
	buf.WriteString(topicStr)
	buf.WriteString(m.Subject)
	buf.WriteString(m.Text)
	return buf.Bytes()
}

// Serialize implements Entity: canonical prefix, then the explicit signature
// length, then the fixed-width signature buffer.
func (m *Message) Serialize() ([]byte, error) {
	prefix := m.serializePrefix()
	out := make([]byte, 0, len(prefix)+2+SignatureSize)
	out = append(out, prefix...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], m.Sig.Len)
	out = append(out, lenBuf[:]...)
	out = append(out, m.Sig.Raw[:]...)
	return out, nil
}

// DeserializeMessage parses the wire form of a message entity.
func DeserializeMessage(data []byte) (*Message, error) {
	if len(data) <= msgFixedSize+2+SignatureSize {
		logrus.Warnf("Message data is too small: %d bytes", len(data))
		return nil, ErrMalformed
	}

	topicLen := int(binary.BigEndian.Uint16(data[0:2]))
	subjectLen := int(binary.BigEndian.Uint16(data[2:4]))
	textLen := int(binary.BigEndian.Uint16(data[4:6]))
	timestamp := int64(binary.BigEndian.Uint64(data[6:14]))

	authorID, _ := HashFromSlice(data[14 : 14+HashSize])
	parentID, _ := HashFromSlice(data[14+HashSize : 14+2*HashSize])

	rest := data[msgFixedSize:]
	if len(rest) != topicLen+subjectLen+textLen+2+SignatureSize {
		logrus.Warnf("Message data has wrong size: %d bytes", len(data))
		return nil, ErrMalformed
	}

	topicStr := string(rest[:topicLen])
	rest = rest[topicLen:]
	subject := string(rest[:subjectLen])
	rest = rest[subjectLen:]
	text := string(rest[:textLen])
	rest = rest[textLen:]

	topic, err := NewTopic(topicStr)
	if err != nil {
		logrus.Warnf("Malformed topic in the message: '%s'.", topicStr)
		return nil, ErrMalformed
	}

	sigLen := binary.BigEndian.Uint16(rest[:2])
	sig, err := SignatureFromSlice(rest[2:], sigLen)
	if err != nil {
		return nil, ErrMalformed
	}

	return NewMessage(topic, subject, text, authorID, parentID,
		time.Unix(timestamp, 0).UTC(), sig), nil
}

// VerifySignature checks the message signature under the author's key.
func (m *Message) VerifySignature(pub *ecdsa.PublicKey) bool {
	return Verify(m.serializePrefix(), pub, m.Sig)
}
