package settings

import (
	"path/filepath"
	"testing"
)

func TestFileStoreLoadMissingReturnsNil(t *testing.T) {
	s := NewFileStore(t.TempDir())
	state, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state != nil {
		t.Fatalf("state = %+v, want nil", state)
	}
}

func TestFileStoreSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	want := &AuthState{
		Bearer:       "tok-123",
		DeviceID:     "device-1",
		SignalingURL: "wss://broker.example/signal",
		UserHandle:   "alice",
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFileStoreClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	if err := s.Save(&AuthState{DeviceID: "device-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	state, err := s.Load()
	if err != nil {
		t.Fatalf("load after clear: %v", err)
	}
	if state != nil {
		t.Fatalf("state = %+v, want nil after clear", state)
	}
	// Clear on an already-missing file is not an error.
	if err := s.Clear(); err != nil {
		t.Fatalf("clear again: %v", err)
	}
}

func TestFileStorePathIsUnderDir(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	if got, want := s.path(), filepath.Join(dir, "auth.yaml"); got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
}
