package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// File は値をJSONファイルに保存するストレージ。
// 書き込みは一時ファイルへの書き出しとリネームで行い、途中で中断されても壊れたファイルを残さない。
// パスフレーズが設定されている場合はageのscrypt方式で暗号化する。
type File struct {
	path       string
	passphrase string
	// workFactor はscryptのlog2(N)。0の場合はageの既定値。
	workFactor int

	mu sync.Mutex
}

// NewFile はFileを生成する。ファイルは最初の書き込みまで作成しない。
func NewFile(path, passphrase string) (*File, error) {
	if path == "" {
		return nil, errors.New("file storage path is empty")
	}
	return &File{path: filepath.Clean(path), passphrase: passphrase}, nil
}

// Get はキーの値を返す。
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set はキーに値を保存する。
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

// Remove はキーを削除する。
func (f *File) Remove(_ context.Context, key string) error {
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
	return f.save(values)
}

// PingContext は保存先のディレクトリが存在するか、作成できるかを確認する。
func (f *File) PingContext(_ context.Context) error {
	dir := filepath.Dir(f.path)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, dirMode)
	}
	if err != nil {
		return fmt.Errorf("failed to stat storage directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage directory %s is not a directory", dir)
	}
	return nil
}

// Close は何もしない。
func (f *File) Close() error { return nil }

// load はファイルを読み込む。ファイルがなければ空のマップを返す。
func (f *File) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storage file: %w", err)
	}

	if f.passphrase != "" {
		data, err = f.decrypt(data)
		if err != nil {
			return nil, err
		}
	}

	values := make(map[string]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse storage file: %w", err)
	}
	return values, nil
}

// save は値を一時ファイルに書き出してから置き換える。
func (f *File) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode storage file: %w", err)
	}

	if f.passphrase != "" {
		data, err = f.encrypt(data)
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write storage file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set storage file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close storage file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace storage file: %w", err)
	}
	return nil
}

func (f *File) encrypt(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(f.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating age recipient: %w", err)
	}
	if f.workFactor > 0 {
		recipient.SetWorkFactor(f.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *File) decrypt(ciphertext []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(f.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating age identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting storage file: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted storage file: %w", err)
	}
	return plaintext, nil
}

// compile-time interface check
var _ Backend = (*File)(nil)
