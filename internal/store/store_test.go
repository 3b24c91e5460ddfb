package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

// storeFactories returns each backend under test.
func storeFactories(t *testing.T) map[string]Store {
	t.Helper()

	boltPath := filepath.Join(t.TempDir(), "agent.db")
	bolt, err := OpenBolt(boltPath)
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"bbolt":  bolt,
	}
}

func TestStore_PutGet(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put("identity", []byte(`{"id":"did:key:abc"}`)); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := s.Get("identity")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !bytes.Equal(got, []byte(`{"id":"did:key:abc"}`)) {
				t.Errorf("Get() = %s", got)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_Overwrite(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put("k", []byte("v1")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := s.Put("k", []byte("v2")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := s.Get("k")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != "v2" {
				t.Errorf("Get() = %s, want v2", got)
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put("k", []byte("v")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := s.Delete("k"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
			}

			// Deleting a missing key is not an error.
			if err := s.Delete("k"); err != nil {
				t.Errorf("Delete() of missing key error = %v", err)
			}
		})
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")

	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	if err := s.Put("identity", []byte("persisted")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt() reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get("identity")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Get() = %s, want persisted", got)
	}
}

func TestMemoryStore_CopyOnWrite(t *testing.T) {
	s := NewMemory()

	value := []byte("original")
	if err := s.Put("k", value); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	value[0] = 'X'

	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "original" {
		t.Errorf("stored value aliased caller buffer: %s", got)
	}
}
