package core

import (
	"bytes"
	"testing"
)

func TestPacketSerializationRoundTrip(t *testing.T) {
	key, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	pkt := NewPacket(PacketTypeHello, []byte("hello payload"))
	if err := pkt.SignPacket(key); err != nil {
		t.Fatalf("SignPacket: %v", err)
	}

	data, err := pkt.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if len(data) != pkt.Size() {
		t.Fatalf("frame length=%d want %d", len(data), pkt.Size())
	}

	header, err := ParseHeader(data[:HeaderSize])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if header.Type != PacketTypeHello || int(header.Size) != len(data) {
		t.Fatalf("header mismatch: %+v", header)
	}

	again, err := DeserializePacket(header, data[HeaderSize:])
	if err != nil {
		t.Fatalf("DeserializePacket: %v", err)
	}
	if !bytes.Equal(again.Payload, pkt.Payload) {
		t.Fatalf("payload changed across the round trip")
	}
	if again.Sig != pkt.Sig {
		t.Fatalf("signature changed across the round trip")
	}
	if !again.VerifyPacket(&key.PublicKey) {
		t.Fatalf("signature does not verify after the round trip")
	}
}

func TestPacketVerifyRejectsWrongKeyAndTamper(t *testing.T) {
	key, _ := NewPrivateKey()
	other, _ := NewPrivateKey()

	pkt := NewPacket(PacketTypeMsg, []byte("payload"))
	if err := pkt.SignPacket(key); err != nil {
		t.Fatalf("SignPacket: %v", err)
	}
	if pkt.VerifyPacket(&other.PublicKey) {
		t.Fatalf("signature verifies under a different key")
	}

	pkt.Payload[0] ^= 0xff
	if pkt.VerifyPacket(&key.PublicKey) {
		t.Fatalf("signature verifies over tampered payload")
	}
}

func TestDeserializePacketRejectsUnknownType(t *testing.T) {
	pkt := NewPacket(PacketTypeMsg, []byte("x"))
	data, err := pkt.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	header, _ := ParseHeader(data[:HeaderSize])
	header.Type = packetTypeLast + 3
	if _, err := DeserializePacket(header, data[HeaderSize:]); err == nil {
		t.Fatalf("accepted an unknown packet type")
	}
}

func TestDeserializePacketRejectsBadSizes(t *testing.T) {
	cases := []struct {
		name string
		size uint16
		body int
	}{
		{"TooSmall", HeaderSize + packetTrailerSize, packetTrailerSize},
		{"BodyMismatch", 200, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header := Header{Type: PacketTypeMsg, Size: tc.size}
			if _, err := DeserializePacket(header, make([]byte, tc.body)); err == nil {
				t.Fatalf("accepted size=%d body=%d", tc.size, tc.body)
			}
		})
	}
}

func TestPacketRejectsOversize(t *testing.T) {
	pkt := NewPacket(PacketTypeMsg, make([]byte, PacketMaxSize))
	if _, err := pkt.Serialize(); err == nil {
		t.Fatalf("oversize packet serialized")
	}
}

func TestUserPacketTravelsUnsigned(t *testing.T) {
	pkt := NewPacket(PacketTypeUser, []byte("user entity bytes"))
	data, err := pkt.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	header, _ := ParseHeader(data[:HeaderSize])
	again, err := DeserializePacket(header, data[HeaderSize:])
	if err != nil {
		t.Fatalf("DeserializePacket: %v", err)
	}
	if again.Sig.Len != 0 {
		t.Fatalf("unsigned packet carries a signature length")
	}
}
