// Package cryptokeys derives per-minute encryption keys from the
// operator's master key and performs the authenticated encryption
// described in spec §4.G: HKDF-SHA256 key derivation keyed to a
// minute-scoped key UUID, then AES-256-GCM over the batch's Parquet
// buffer.
package cryptokeys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce

	// hkdfInfo is the fixed HKDF info parameter for every derivation,
	// per spec §4.G.
	hkdfInfo = "arweave-package-encryption"

	// SnapshotKeyUUID is the fixed key UUID the snapshot backup (spec
	// §4.M) encrypts under instead of a minute-scoped one, so that a
	// restore long after the backup minute has passed can still
	// re-derive the same key (spec §9 open question 3).
	SnapshotKeyUUID = "system-stats-backup"
)

// MinuteEpoch returns floor(t/60s) as used in the keyUuid format
// "enckey-{minuteEpoch}-{uuid}".
func MinuteEpoch(t time.Time) int64 {
	return t.UTC().Unix() / 60
}

// deriveFromUUID runs HKDF-SHA256(ikm=masterKey, salt=utf8(keyUUID),
// info="arweave-package-encryption", L=32), the single derivation used
// both for per-minute batch keys and for the snapshot's fixed key.
func deriveFromUUID(masterKeyHex, keyUUID string) ([]byte, error) {
	master, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("cryptokeys: decode master key: %w", err)
	}
	r := hkdf.New(sha256.New, master, []byte(keyUUID), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("cryptokeys: derive key: %w", err)
	}
	return key, nil
}

// MinuteKey is the cached per-minute encryption key shared by every
// batch, clear or encrypted, produced within the same 60-second window.
type MinuteKey struct {
	KeyUUID     string
	RawKey      []byte
	MinuteEpoch int64
}

// Encryptor owns the master key and the single cached minute key, per
// spec §4.G/§9: the key-UUID rotates at minute boundaries and is shared
// across every batch minted in that minute, never regenerated per
// batch.
type Encryptor struct {
	masterKeyHex string

	mu      sync.Mutex
	current *MinuteKey
}

// NewEncryptor builds an Encryptor bound to masterKeyHex (64 hex chars,
// i.e. 32 raw bytes).
func NewEncryptor(masterKeyHex string) *Encryptor {
	return &Encryptor{masterKeyHex: masterKeyHex}
}

// GetOrGenerateMinuteKey returns the cached key for now's minute epoch,
// generating (and caching) a fresh keyUuid+rawKey pair on the first
// call of a new minute.
func (e *Encryptor) GetOrGenerateMinuteKey(now time.Time) (MinuteKey, error) {
	epoch := MinuteEpoch(now)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && e.current.MinuteEpoch == epoch {
		return *e.current, nil
	}

	keyUUID := fmt.Sprintf("enckey-%d-%s", epoch, uuid.NewString())
	rawKey, err := deriveFromUUID(e.masterKeyHex, keyUUID)
	if err != nil {
		return MinuteKey{}, err
	}
	mk := MinuteKey{KeyUUID: keyUUID, RawKey: rawKey, MinuteEpoch: epoch}
	e.current = &mk
	return mk, nil
}

// Sealed is the output of EncryptBuffer: the wire format is
// IV (12 bytes) || AuthTag (16 bytes) || Ciphertext, per spec §3's
// EncryptedPackage layout.
type Sealed struct {
	Ciphertext  []byte // IV || AuthTag || ciphertext
	DataHash    [32]byte
	KeyUUID     string
	PackageUUID string
}

// EncryptBuffer derives (or reuses) the current minute key, encrypts
// plaintext under it with a fresh random nonce, and records the
// SHA-256 of the plaintext so downstream consumers can verify
// integrity without re-deriving the key. packageUuid is carried through
// unchanged for the caller's bookkeeping; it is not an input to key
// derivation (only the minute-scoped keyUuid is).
func (e *Encryptor) EncryptBuffer(now time.Time, packageUUID string, plaintext []byte) (Sealed, error) {
	mk, err := e.GetOrGenerateMinuteKey(now)
	if err != nil {
		return Sealed{}, err
	}
	ciphertext, err := sealWithKey(mk.RawKey, plaintext)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Ciphertext:  ciphertext,
		DataHash:    sha256.Sum256(plaintext),
		KeyUUID:     mk.KeyUUID,
		PackageUUID: packageUUID,
	}, nil
}

// EncryptWithFixedUUID encrypts plaintext under the key derived
// directly from keyUUID (bypassing the minute cache), used by the
// snapshot backup so the key can be re-derived at restore time
// regardless of how much time has elapsed.
func (e *Encryptor) EncryptWithFixedUUID(keyUUID string, plaintext []byte) (Sealed, error) {
	rawKey, err := deriveFromUUID(e.masterKeyHex, keyUUID)
	if err != nil {
		return Sealed{}, err
	}
	ciphertext, err := sealWithKey(rawKey, plaintext)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{Ciphertext: ciphertext, DataHash: sha256.Sum256(plaintext), KeyUUID: keyUUID}, nil
}

// DecryptWithFixedUUID reverses EncryptWithFixedUUID.
func (e *Encryptor) DecryptWithFixedUUID(keyUUID string, ivTagCiphertext []byte) ([]byte, error) {
	rawKey, err := deriveFromUUID(e.masterKeyHex, keyUUID)
	if err != nil {
		return nil, err
	}
	return DecryptBuffer(rawKey, ivTagCiphertext)
}

func sealWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptokeys: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptokeys: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptokeys: generate nonce: %w", err)
	}

	// Go's GCM.Seal appends ciphertext || tag to dst; the wire format
	// mandates tag *before* ciphertext, so split and reassemble as
	// IV || tag || ciphertext.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagSize := gcm.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, len(nonce)+len(tag)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptBuffer reverses sealWithKey given the same raw key: splits the
// IV || tag || ciphertext wire format back into the nonce and the
// ciphertext || tag layout GCM.Open expects.
func DecryptBuffer(key, ivTagCiphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptokeys: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptokeys: new gcm: %w", err)
	}
	tagSize := gcm.Overhead()
	if len(ivTagCiphertext) < nonceSize+tagSize {
		return nil, fmt.Errorf("cryptokeys: ciphertext too short")
	}

	nonce := ivTagCiphertext[:nonceSize]
	tag := ivTagCiphertext[nonceSize : nonceSize+tagSize]
	ciphertext := ivTagCiphertext[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptokeys: decrypt: %w", err)
	}
	return plaintext, nil
}
