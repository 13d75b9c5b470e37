package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSubs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), SubscriptionsFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write subscriptions: %v", err)
	}
	return path
}

func TestReadSubscriptions(t *testing.T) {
	path := writeSubs(t, "chat, cats\nfood, recipes\n")
	subs, err := ReadSubscriptions(path)
	if err != nil {
		t.Fatalf("ReadSubscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d topics, want 2", len(subs))
	}
	if subs[0].String() != "cats, chat" || subs[1].String() != "food, recipes" {
		t.Fatalf("topics=%v", subs)
	}
}

func TestReadSubscriptionsSkipsBadLines(t *testing.T) {
	path := writeSubs(t, "chat\nnot a topic!\nchat\nmusic\n")
	subs, err := ReadSubscriptions(path)
	if err != nil {
		t.Fatalf("ReadSubscriptions: %v", err)
	}
	// The malformed line and the duplicate are dropped.
	if len(subs) != 2 {
		t.Fatalf("got %d topics, want 2: %v", len(subs), subs)
	}
}

func TestReadSubscriptionsRequiresAtLeastOneTopic(t *testing.T) {
	for _, content := range []string{"", "\n", "not a topic!\n"} {
		path := writeSubs(t, content)
		if _, err := ReadSubscriptions(path); err == nil {
			t.Fatalf("empty subscriptions %q were accepted", content)
		}
	}
}

func TestReadSubscriptionsMissingFile(t *testing.T) {
	if _, err := ReadSubscriptions(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("missing subscriptions file was accepted")
	}
}

func TestSubscriptionsCopyIsIndependent(t *testing.T) {
	subs := Subscriptions{mustTopic(t, "a, b")}
	dup := subs.Copy()
	dup[0].AddTag("c")
	if subs[0].String() != "a, b" {
		t.Fatalf("copy shares backing storage with the original")
	}
}
