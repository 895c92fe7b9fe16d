package credstore

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltSize     = 16
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var ErrSealCorrupted = errors.New("credstore: sealed file corrupted or wrong passphrase")

// File 把全部凭证加密保存在单个文件中（XChaCha20-Poly1305，密钥由 Argon2id 从口令派生）。
// 文件布局：salt(16) | nonce(24) | ciphertext。
type File struct {
	mu         sync.Mutex
	path       string
	passphrase []byte

	// 最近一次派生的密钥，按 salt 缓存，避免每次读取都跑一遍 Argon2。
	lastSalt []byte
	lastKey  []byte
}

func NewFile(path, passphrase string) (*File, error) {
	if passphrase == "" {
		return nil, errors.New("credstore: passphrase required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create dir: %w", err)
	}
	return &File{path: path, passphrase: []byte(passphrase)}, nil
}

func (f *File) Save(key Key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.store(values)
}

func (f *File) Read(key Key) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

func (f *File) Delete(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.store(values)
}

func (f *File) load() (map[Key]string, error) {
	values := make(map[Key]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: read: %w", err)
	}
	if len(data) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrSealCorrupted
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	aead, err := chacha20poly1305.NewX(f.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, data[saltSize+chacha20poly1305.NonceSizeX:], []byte(f.path))
	if err != nil {
		return nil, ErrSealCorrupted
	}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, ErrSealCorrupted
	}
	return values, nil
}

func (f *File) store(values map[Key]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return err
	}
	buf := make([]byte, saltSize+chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	salt, nonce := buf[:saltSize], buf[saltSize:]
	aead, err := chacha20poly1305.NewX(f.deriveKey(salt))
	if err != nil {
		return err
	}
	sealed := aead.Seal(append([]byte(nil), buf...), nonce, plain, []byte(f.path))

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".cred-*")
	if err != nil {
		return fmt.Errorf("credstore: write: %w", err)
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("credstore: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("credstore: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("credstore: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("credstore: rename: %w", err)
	}
	return nil
}

func (f *File) deriveKey(salt []byte) []byte {
	if f.lastKey != nil && bytes.Equal(f.lastSalt, salt) {
		return f.lastKey
	}
	key := argon2.IDKey(f.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	f.lastSalt = append([]byte(nil), salt...)
	f.lastKey = key
	return key
}
