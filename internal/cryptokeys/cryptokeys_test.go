package cryptokeys

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

const testMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestGetOrGenerateMinuteKey_Length(t *testing.T) {
	e := NewEncryptor(testMasterKey)
	mk, err := e.GetOrGenerateMinuteKey(time.Now())
	if err != nil {
		t.Fatalf("GetOrGenerateMinuteKey() error = %v", err)
	}
	if len(mk.RawKey) != keySize {
		t.Fatalf("len(key) = %d, want %d", len(mk.RawKey), keySize)
	}
}

func TestGetOrGenerateMinuteKey_SharedWithinMinute(t *testing.T) {
	e := NewEncryptor(testMasterKey)
	now := time.Date(2026, 7, 31, 12, 0, 10, 0, time.UTC)
	later := now.Add(20 * time.Second)

	k1, err := e.GetOrGenerateMinuteKey(now)
	if err != nil {
		t.Fatalf("GetOrGenerateMinuteKey() error = %v", err)
	}
	k2, err := e.GetOrGenerateMinuteKey(later)
	if err != nil {
		t.Fatalf("GetOrGenerateMinuteKey() error = %v", err)
	}

	if k1.KeyUUID != k2.KeyUUID {
		t.Fatalf("expected same-minute calls to share a keyUuid, got %q and %q", k1.KeyUUID, k2.KeyUUID)
	}
	if !bytes.Equal(k1.RawKey, k2.RawKey) {
		t.Fatalf("expected same-minute calls to share a raw key")
	}
}

func TestGetOrGenerateMinuteKey_RotatesAcrossMinuteBoundary(t *testing.T) {
	e := NewEncryptor(testMasterKey)
	before := time.Date(2026, 7, 31, 12, 0, 59, 900_000_000, time.UTC)
	after := time.Date(2026, 7, 31, 12, 1, 0, 100_000_000, time.UTC)

	k1, _ := e.GetOrGenerateMinuteKey(before)
	k2, _ := e.GetOrGenerateMinuteKey(after)

	if k1.KeyUUID == k2.KeyUUID {
		t.Fatalf("expected distinct minute epochs to mint distinct keyUuids")
	}
}

func TestEncryptBuffer_SameMinuteSharesKeyUUID(t *testing.T) {
	e := NewEncryptor(testMasterKey)
	now := time.Date(2026, 7, 31, 12, 0, 30, 0, time.UTC)

	s1, err := e.EncryptBuffer(now, "pkg-a", []byte("batch one"))
	if err != nil {
		t.Fatalf("EncryptBuffer() error = %v", err)
	}
	s2, err := e.EncryptBuffer(now.Add(10*time.Second), "pkg-b", []byte("batch two"))
	if err != nil {
		t.Fatalf("EncryptBuffer() error = %v", err)
	}

	if s1.KeyUUID != s2.KeyUUID {
		t.Fatalf("expected two batches in the same minute to carry the same Encryption-Key-UUID")
	}
	if s1.PackageUUID == s2.PackageUUID {
		t.Fatalf("package uuids must remain per-batch even when the key uuid is shared")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := NewEncryptor(testMasterKey)
	plaintext := []byte("parquet bytes would go here")

	sealed, err := e.EncryptBuffer(time.Now(), "pkg", plaintext)
	if err != nil {
		t.Fatalf("EncryptBuffer() error = %v", err)
	}
	if len(sealed.Ciphertext) <= nonceSize {
		t.Fatalf("expected ciphertext to carry more than just the nonce")
	}

	mk, err := e.GetOrGenerateMinuteKey(time.Now())
	if err != nil {
		t.Fatalf("GetOrGenerateMinuteKey() error = %v", err)
	}
	decrypted, err := DecryptBuffer(mk.RawKey, sealed.Ciphertext)
	if err != nil {
		t.Fatalf("DecryptBuffer() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptBuffer_WrongKeyFails(t *testing.T) {
	e1 := NewEncryptor(testMasterKey)
	e2 := NewEncryptor("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	sealed, err := e1.EncryptBuffer(time.Now(), "pkg", []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptBuffer() error = %v", err)
	}
	mk2, err := e2.GetOrGenerateMinuteKey(time.Now())
	if err != nil {
		t.Fatalf("GetOrGenerateMinuteKey() error = %v", err)
	}
	if _, err := DecryptBuffer(mk2.RawKey, sealed.Ciphertext); err == nil {
		t.Fatalf("expected decryption under the wrong key to fail")
	}
}

func TestSnapshotKey_FixedUUIDSurvivesTime(t *testing.T) {
	e := NewEncryptor(testMasterKey)
	plaintext := []byte(`{"totalAircraftSeen":42}`)

	sealed, err := e.EncryptWithFixedUUID(SnapshotKeyUUID, plaintext)
	if err != nil {
		t.Fatalf("EncryptWithFixedUUID() error = %v", err)
	}
	if sealed.KeyUUID != SnapshotKeyUUID {
		t.Fatalf("KeyUUID = %q, want %q", sealed.KeyUUID, SnapshotKeyUUID)
	}

	decrypted, err := e.DecryptWithFixedUUID(SnapshotKeyUUID, sealed.Ciphertext)
	if err != nil {
		t.Fatalf("DecryptWithFixedUUID() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestMinuteEpoch_Monotonic(t *testing.T) {
	t1 := time.Date(2026, 7, 31, 12, 34, 0, 0, time.UTC)
	t2 := time.Date(2026, 7, 31, 12, 34, 59, 999_000_000, time.UTC)
	t3 := time.Date(2026, 7, 31, 12, 35, 0, 0, time.UTC)

	if MinuteEpoch(t1) != MinuteEpoch(t2) {
		t.Fatalf("expected timestamps within the same minute to share an epoch")
	}
	if MinuteEpoch(t2) == MinuteEpoch(t3) {
		t.Fatalf("expected timestamps across a minute boundary to differ")
	}
}

func TestMinuteKeyUUID_Format(t *testing.T) {
	e := NewEncryptor(testMasterKey)
	mk, err := e.GetOrGenerateMinuteKey(time.Now())
	if err != nil {
		t.Fatalf("GetOrGenerateMinuteKey() error = %v", err)
	}
	if !strings.HasPrefix(mk.KeyUUID, "enckey-") {
		t.Fatalf("KeyUUID = %q, want enckey- prefix", mk.KeyUUID)
	}
}
