package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPowSearchFindsValidProof(t *testing.T) {
	key, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	progress := filepath.Join(t.TempDir(), PowProgressFileName)

	type outcome struct {
		found bool
		proof uint64
	}
	done := make(chan outcome, 1)
	_, err = StartPowSearch(&key.PublicKey, progress, testLogger(),
		func(found bool, proof uint64) {
			done <- outcome{found, proof}
		})
	if err != nil {
		t.Fatalf("StartPowSearch: %v", err)
	}

	select {
	case out := <-done:
		if !out.found {
			t.Fatalf("search reported not found")
		}
		if !ValidateProof(&key.PublicKey, out.proof) {
			t.Fatalf("found proof does not validate")
		}
	case <-time.After(2 * time.Minute):
		t.Fatalf("proof-of-work search did not finish")
	}

	if _, err := os.Stat(progress); !os.IsNotExist(err) {
		t.Fatalf("progress file survived a completed search")
	}
}

func TestPowSearchSingleton(t *testing.T) {
	key, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	dir := t.TempDir()

	powSearchActive.Store(true)
	_, err = StartPowSearch(&key.PublicKey,
		filepath.Join(dir, "pow1"), testLogger(),
		func(bool, uint64) {})
	powSearchActive.Store(false)
	if err == nil {
		t.Fatalf("second concurrent search was accepted")
	}

	// With the slot free a search starts and can be stopped.
	search, err := StartPowSearch(&key.PublicKey,
		filepath.Join(dir, "pow2"), testLogger(),
		func(bool, uint64) {})
	if err != nil {
		t.Fatalf("StartPowSearch: %v", err)
	}
	search.Stop()
}

func TestPowProgressRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress")
	if err := powWriteProgress(path, 1234567); err != nil {
		t.Fatalf("powWriteProgress: %v", err)
	}
	counter, err := powReadProgress(path)
	if err != nil {
		t.Fatalf("powReadProgress: %v", err)
	}
	if counter != 1234567 {
		t.Fatalf("counter=%d want 1234567", counter)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read progress file: %v", err)
	}
	if string(raw) != "1234567" {
		t.Fatalf("progress file is not decimal ASCII: %q", raw)
	}
}

func TestPowResumeRejectsGarbage(t *testing.T) {
	key, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "progress")
	if err := os.WriteFile(path, []byte("not a number"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := StartPowSearch(&key.PublicKey, path, testLogger(),
		func(bool, uint64) {}); err == nil {
		t.Fatalf("unparsable progress file was accepted")
	}
}
