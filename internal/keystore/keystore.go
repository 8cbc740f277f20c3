// Package keystore implements the encrypted private-key vault.
//
// All account keys live in a single encrypted blob on disk
// (<dataDir>/secure/keys.enc). The encryption key is derived from a master
// key via PBKDF2-SHA256 (100 000 iterations, fixed salt). The envelope is
// AES-256-GCM with a fresh random nonce per save; legacy AES-256-CBC
// envelopes written by earlier tooling are still readable and are rewritten
// as GCM on the next save. Writes use atomic file replacement (write to
// .tmp, then rename) so a crash mid-save never corrupts the vault.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100_000
	kdfKeyLen     = 32
)

// kdfSalt is fixed so that the same master key always derives the same vault
// key; vault confidentiality rests on the master key alone.
var kdfSalt = []byte("kiro-keystore-v1")

var keyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ErrKeyFormat is returned when a private key is not 0x-prefixed 64-hex.
var ErrKeyFormat = errors.New("private key must match ^0x[0-9a-fA-F]{64}$")

// CryptoError wraps encryption/decryption failures, including tamper
// detection on the GCM envelope.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("keystore %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// StorageError wraps filesystem failures.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("keystore %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// envelope is the on-disk shape of the vault. Mode is "gcm" for current
// blobs and empty for legacy CBC ones.
type envelope struct {
	IV        string `json:"iv"`
	Encrypted string `json:"encrypted"`
	Mode      string `json:"mode,omitempty"`
}

// Vault is the encrypted key store. All operations are serialized; the file
// is replaced whole on every mutation.
type Vault struct {
	path string
	key  []byte

	mu sync.Mutex
}

// Open derives the vault key from masterKey and ensures the secure directory
// and vault file exist under dataDir.
func Open(dataDir, masterKey string) (*Vault, error) {
	dir := filepath.Join(dataDir, "secure")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}

	v := &Vault{
		path: filepath.Join(dir, "keys.enc"),
		key:  pbkdf2.Key([]byte(masterKey), kdfSalt, kdfIterations, kdfKeyLen, sha256.New),
	}

	if _, err := os.Stat(v.path); errors.Is(err, os.ErrNotExist) {
		if err := v.save(map[string]string{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, &StorageError{Op: "stat", Err: err}
	}

	return v, nil
}

// AddAccountKey validates and stores a private key for an account id.
func (v *Vault) AddAccountKey(id, privateKey string) error {
	if !keyPattern.MatchString(privateKey) {
		return ErrKeyFormat
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.load()
	if err != nil {
		return err
	}
	keys[id] = privateKey
	return v.save(keys)
}

// GetAccountKey returns the private key for an account id, or "" if absent.
func (v *Vault) GetAccountKey(id string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.load()
	if err != nil {
		return "", err
	}
	return keys[id], nil
}

// RemoveAccountKey deletes an account's key. Absent is not an error.
func (v *Vault) RemoveAccountKey(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := keys[id]; !ok {
		return nil
	}
	delete(keys, id)
	return v.save(keys)
}

// ListIDs returns all account ids present in the vault.
func (v *Vault) ListIDs() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	return ids, nil
}

// load reads and decrypts the vault. Caller holds v.mu.
func (v *Vault) load() (map[string]string, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &StorageError{Op: "parse", Err: err}
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, &CryptoError{Op: "decode iv", Err: err}
	}
	ct, err := hex.DecodeString(env.Encrypted)
	if err != nil {
		return nil, &CryptoError{Op: "decode ciphertext", Err: err}
	}

	var plain []byte
	if env.Mode == "gcm" {
		plain, err = v.decryptGCM(iv, ct)
	} else {
		plain, err = v.decryptCBC(iv, ct)
	}
	if err != nil {
		return nil, err
	}

	keys := make(map[string]string)
	if err := json.Unmarshal(plain, &keys); err != nil {
		return nil, &CryptoError{Op: "decode keys", Err: err}
	}
	return keys, nil
}

// save encrypts and atomically replaces the vault file. Caller holds v.mu
// (or has exclusive access during Open).
func (v *Vault) save(keys map[string]string) error {
	plain, err := json.Marshal(keys)
	if err != nil {
		return &CryptoError{Op: "encode keys", Err: err}
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return &CryptoError{Op: "cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return &CryptoError{Op: "gcm", Err: err}
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return &CryptoError{Op: "nonce", Err: err}
	}
	ct := gcm.Seal(nil, nonce, plain, nil)

	data, err := json.Marshal(envelope{
		IV:        hex.EncodeToString(nonce),
		Encrypted: hex.EncodeToString(ct),
		Mode:      "gcm",
	})
	if err != nil {
		return &StorageError{Op: "encode envelope", Err: err}
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return &StorageError{Op: "rename", Err: err}
	}
	return nil
}

func (v *Vault) decryptGCM(nonce, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, &CryptoError{Op: "cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Op: "gcm", Err: err}
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	return plain, nil
}

// decryptCBC reads legacy AES-256-CBC envelopes (16-byte IV, PKCS#7).
func (v *Vault) decryptCBC(iv, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, &CryptoError{Op: "cipher", Err: err}
	}
	if len(iv) != aes.BlockSize {
		return nil, &CryptoError{Op: "decrypt", Err: errors.New("bad iv length")}
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, &CryptoError{Op: "decrypt", Err: errors.New("bad ciphertext length")}
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, &CryptoError{Op: "decrypt", Err: errors.New("bad padding")}
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, &CryptoError{Op: "decrypt", Err: errors.New("bad padding")}
		}
	}
	return plain[:len(plain)-pad], nil
}

// DeriveAddress derives the EVM address from a 0x-prefixed private key:
// last 20 bytes of keccak256 of the uncompressed secp256k1 public key.
// This is the only source of truth for an account's wallet address.
func DeriveAddress(privateKey string) (string, error) {
	if !keyPattern.MatchString(privateKey) {
		return "", ErrKeyFormat
	}
	pk, err := crypto.HexToECDSA(privateKey[2:])
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return crypto.PubkeyToAddress(pk.PublicKey).Hex(), nil
}
