package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePeerAddress(t *testing.T) {
	cases := []struct {
		addr  string
		valid bool
	}{
		{"127.0.0.1:8004", true},
		{"192.168.1.254:1", true},
		{"255.255.255.255:65535", true},
		{"localhost:8004", true},
		{"node.example.com:8004", true},
		{"a-b.example:9000", true},
		{"", false},
		{"127.0.0.1", false},
		{"256.0.0.1:8004", false},
		{"host:", false},
		{":8004", false},
		{"-bad.example:8004", false},
		{"bad-.example:8004", false},
		{"spaces in host:8004", false},
	}
	for _, tc := range cases {
		if got := ValidatePeerAddress(tc.addr); got != tc.valid {
			t.Fatalf("ValidatePeerAddress(%q)=%v want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestReadPeerAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), AddrFileName)
	data := "127.0.0.1:8004\nlocalhost:9000\nnot an address\n127.0.0.1:8004\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	addrs, err := readPeerAddresses(path, testLogger())
	if err != nil {
		t.Fatalf("readPeerAddresses: %v", err)
	}
	want := []string{"127.0.0.1:8004", "localhost:9000"}
	if len(addrs) != len(want) {
		t.Fatalf("addrs=%v want %v", addrs, want)
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("addrs[%d]=%q want %q", i, addrs[i], want[i])
		}
	}
}

func TestReadPeerAddressesMissingFile(t *testing.T) {
	addrs, err := readPeerAddresses(
		filepath.Join(t.TempDir(), "absent"), testLogger())
	if err != nil {
		t.Fatalf("missing file must not be fatal: %v", err)
	}
	if addrs != nil {
		t.Fatalf("missing file produced addresses: %v", addrs)
	}
}
