package store

import (
	"io/ioutil"
	"os"
	"testing"
)

func TestFileSystemRoundtrip(t *testing.T) {
	root, err := ioutil.TempDir("", "kiln-store-")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	defer os.RemoveAll(root)
	s := NewFileSystem(root)

	const key = "deadbeef0123"
	if _, err := s.Stat(key); err != ErrNotExist {
		t.Errorf("Stat on missing key: received %v, expected %v", err, ErrNotExist)
	}

	w, err := s.Create(key)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	w.Write([]byte("hello world"))

	// not visible until the writer is closed
	if _, err := s.Stat(key); err != ErrNotExist {
		t.Errorf("Stat before Close: received %v, expected %v", err, ErrNotExist)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("received %s", err.Error())
	}

	size, err := s.Stat(key)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if size != 11 {
		t.Errorf("Received size %d, expected %d", size, 11)
	}

	r, size, err := s.Open(key)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	buf := make([]byte, size)
	r.ReadAt(buf, 0)
	r.Close()
	if string(buf) != "hello world" {
		t.Errorf("Received %q, expected %q", buf, "hello world")
	}

	// blobs are immutable: second create must fail
	if _, err := s.Create(key); err != ErrKeyExists {
		t.Errorf("Received %v, expected %v", err, ErrKeyExists)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if _, err := s.Stat(key); err != ErrNotExist {
		t.Errorf("Stat after delete: received %v, expected %v", err, ErrNotExist)
	}
	// deleting a missing key is not an error
	if err := s.Delete(key); err != nil {
		t.Errorf("second delete: received %v, expected nil", err)
	}
}

func TestFileSystemList(t *testing.T) {
	root, err := ioutil.TempDir("", "kiln-store-")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	defer os.RemoveAll(root)
	s := NewFileSystem(root)

	keys := []string{"aabb001", "aabb002", "ccdd003"}
	for _, key := range keys {
		w, err := s.Create(key)
		if err != nil {
			t.Fatalf("received %s", err.Error())
		}
		w.Write([]byte(key))
		w.Close()
	}

	seen := make(map[string]bool)
	for key := range s.List() {
		seen[key] = true
	}
	for _, key := range keys {
		if !seen[key] {
			t.Errorf("List is missing %s", key)
		}
	}

	result, err := s.ListPrefix("aabb")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if len(result) != 2 {
		t.Errorf("Received %d keys, expected %d", len(result), 2)
	}
}

func TestBadKeys(t *testing.T) {
	var table = []string{
		"",
		"has space",
		"has/slash",
		"has\ttab",
		"has\x00control",
	}
	root, err := ioutil.TempDir("", "kiln-store-")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	defer os.RemoveAll(root)
	s := NewFileSystem(root)
	for _, key := range table {
		if _, err := s.Create(key); err != ErrBadKey {
			t.Errorf("Create(%q): received %v, expected %v", key, err, ErrBadKey)
		}
	}
}
