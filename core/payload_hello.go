package core

// Hello payload: the final handshake message. It proves possession of the
// sender's private key (via the packet signature), names the intended
// receiver and carries the sender's subscriptions.

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const helloTopicDelimiter = ";"

// helloFixedSize: receiver id + i64 timestamp + u16 subscriptions length.
const helloFixedSize = HashSize + 8 + 2

// HelloPayload is the body of a HELLO packet.
type HelloPayload struct {
	// ReceiverID is the id of the user this payload is designated for.
	// Together with the timestamp it prevents replaying a Hello sent to
	// some other peer.
	ReceiverID Hash
	Timestamp  time.Time
	Subs       Subscriptions
}

// NewHelloPayload composes a Hello for the given receiver with a fresh
// timestamp.
func NewHelloPayload(receiverID Hash, subs Subscriptions) *HelloPayload {
	return &HelloPayload{
		ReceiverID: receiverID,
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		Subs:       subs.Copy(),
	}
}

// subscriptionsToString joins topics with ';', each topic in its canonical
// comma-joined form.
func subscriptionsToString(subs Subscriptions) string {
	parts := make([]string, 0, len(subs))
	for _, topic := range subs {
		parts = append(parts, topic.String())
	}
	return strings.Join(parts, helloTopicDelimiter)
}

// subscriptionsFromString reverses subscriptionsToString. Every topic must
// parse; an empty or malformed list yields nil.
func subscriptionsFromString(s string) Subscriptions {
	var subs Subscriptions
	for _, topicStr := range strings.Split(s, helloTopicDelimiter) {
		topic, err := NewTopic(topicStr)
		if err != nil {
			logrus.Warnf("Malformed subscription list: '%s'.", s)
			return nil
		}
		subs = append(subs, topic)
	}
	return subs
}

// Serialize converts the payload to its wire form. The subscription string
// travels NUL-terminated.
func (h *HelloPayload) Serialize() ([]byte, error) {
	subsStr := subscriptionsToString(h.Subs)
	if subsStr == "" {
		return nil, ErrMalformed
	}

	buf := &bytes.Buffer{}
	buf.Write(h.ReceiverID[:])
	binary.Write(buf, binary.BigEndian, h.Timestamp.Unix())
	binary.Write(buf, binary.BigEndian, uint16(len(subsStr)+1))
	buf.WriteString(subsStr)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// DeserializeHelloPayload parses the wire form of a Hello payload.
func DeserializeHelloPayload(data []byte) (*HelloPayload, error) {
	if len(data) <= helloFixedSize {
		logrus.Warnf("Hello payload is too small: %d bytes", len(data))
		return nil, ErrMalformed
	}

	receiverID, _ := HashFromSlice(data[:HashSize])
	timestamp := int64(binary.BigEndian.Uint64(data[HashSize : HashSize+8]))
	subsLen := int(binary.BigEndian.Uint16(data[HashSize+8 : helloFixedSize]))

	if len(data) != helloFixedSize+subsLen || subsLen == 0 {
		logrus.Warnf("Hello payload has wrong size: %d bytes", len(data))
		return nil, ErrMalformed
	}

	subsStr := string(bytes.TrimRight(data[helloFixedSize:], "\x00"))
	subs := subscriptionsFromString(subsStr)
	if subs == nil {
		logrus.Warnf("Failed to parse subscriptions in the Hello payload")
		return nil, ErrMalformed
	}

	return &HelloPayload{
		ReceiverID: receiverID,
		Timestamp:  time.Unix(timestamp, 0).UTC(),
		Subs:       subs,
	}, nil
}
