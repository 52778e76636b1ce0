package objectstore

import (
	"context"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
)

type fakeIndex struct {
	rows map[string]int64
}

func newFakeIndex() *fakeIndex { return &fakeIndex{rows: map[string]int64{}} }

func (f *fakeIndex) EnsureObjectRow(_ context.Context, hash string, createdEventID int64) error {
	if _, ok := f.rows[hash]; !ok {
		f.rows[hash] = createdEventID
	}
	return nil
}

func (f *fakeIndex) ObjectRowExists(_ context.Context, hash string) (bool, error) {
	_, ok := f.rows[hash]
	return ok, nil
}

func TestPutGetRoundTripPlain(t *testing.T) {
	dir := t.TempDir()
	idx := newFakeIndex()
	store := New(dir, idx, nil)

	hash, err := store.PutBytes(context.Background(), []byte("aaa"), 1)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	want := canon.Blake3HexPrefixed([]byte("aaa"))
	if hash != want {
		t.Fatalf("hash mismatch: got %s want %s", hash, want)
	}

	got, err := store.GetBytes(hash)
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(got) != "aaa" {
		t.Fatalf("unexpected bytes: %s", got)
	}
	if !store.Exists(hash) {
		t.Fatalf("expected object to exist")
	}
}

func TestPutGetRoundTripEncrypted(t *testing.T) {
	dir := t.TempDir()
	idx := newFakeIndex()
	enc := &EncryptionContext{Enabled: true, NonceSalt: []byte("vault-salt")}
	enc.Key = DeriveKey("passphrase", []byte("salt1234567890123456"), 8*1024, 1, 1)
	store := New(dir, idx, enc)

	hash, err := store.PutBytes(context.Background(), []byte("secret bytes"), 1)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	raw, err := store.RawBytes(hash)
	if err != nil {
		t.Fatalf("RawBytes: %v", err)
	}
	if !IsEncryptedPayload(raw) {
		t.Fatalf("expected encrypted envelope on disk")
	}

	got, err := store.GetBytes(hash)
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(got) != "secret bytes" {
		t.Fatalf("unexpected plaintext: %s", got)
	}

	noKeyStore := New(dir, idx, nil)
	if _, err := noKeyStore.GetBytes(hash); err == nil {
		t.Fatalf("expected KC_ENCRYPTION_REQUIRED without a key")
	}
}

func TestPutBytesDeterministicEnvelope(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	enc1 := &EncryptionContext{Enabled: true, NonceSalt: []byte("vault-salt")}
	enc1.Key = DeriveKey("passphrase", []byte("salt1234567890123456"), 8*1024, 1, 1)
	enc2 := &EncryptionContext{Enabled: true, NonceSalt: []byte("vault-salt")}
	enc2.Key = enc1.Key

	s1 := New(dir1, newFakeIndex(), enc1)
	s2 := New(dir2, newFakeIndex(), enc2)

	h1, err := s1.PutBytes(context.Background(), []byte("same plaintext"), 1)
	if err != nil {
		t.Fatalf("PutBytes s1: %v", err)
	}
	h2, err := s2.PutBytes(context.Background(), []byte("same plaintext"), 1)
	if err != nil {
		t.Fatalf("PutBytes s2: %v", err)
	}
	raw1, _ := s1.RawBytes(h1)
	raw2, _ := s2.RawBytes(h2)
	if string(raw1) != string(raw2) {
		t.Fatalf("expected byte-identical envelopes across independent writes")
	}
}

func TestRewritePlaintextForHashRejectsWrongHash(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, newFakeIndex(), nil)
	hash, err := store.PutBytes(context.Background(), []byte("aaa"), 1)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if err := store.RewritePlaintextForHash(hash, []byte("bbb")); err == nil {
		t.Fatalf("expected hash mismatch error")
	}
}
