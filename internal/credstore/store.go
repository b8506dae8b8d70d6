// Package credstore keeps the pi server host and password in a file encrypted
// with a kryptograf data key.
package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const descriptorName = "piclient:credentials"

// ErrNotFound is returned by Load when no credentials are stored.
var ErrNotFound = errors.New("no stored credentials")

// Credentials are the saved connection parameters.
type Credentials struct {
	Host     string `json:"host"`
	Password string `json:"password"`
}

// Valid reports whether both host and password are set.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Host) != "" && c.Password != ""
}

// Store reads and writes encrypted credentials.
type Store struct {
	keystorePath string
	dataPath     string
	log          pslog.Logger
}

// NewStore initializes the key store and ensures the root key exists.
func NewStore(keystorePath, dataPath string) (*Store, error) {
	return NewStoreWithLogger(keystorePath, dataPath, nil)
}

// NewStoreWithLogger initializes the store with logging.
func NewStoreWithLogger(keystorePath, dataPath string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(keystorePath) == "" {
		return nil, fmt.Errorf("credential keystore path is required")
	}
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("credential store path is required")
	}
	if err := ensureKeyStore(keystorePath); err != nil {
		if logger != nil {
			logger.Warn("credstore ensure failed", "err", err)
		}
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("credstore", dataPath)
	}
	return &Store{keystorePath: keystorePath, dataPath: dataPath, log: logger}, nil
}

func ensureKeyStore(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	store, err := keymgmt.LoadProto(path)
	if err != nil {
		return err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		return err
	}
	return store.Commit()
}

// Load decrypts the stored credentials. It returns ErrNotFound when nothing
// has been saved or the store was reset.
func (s *Store) Load() (Credentials, error) {
	file, err := os.Open(s.dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, ErrNotFound
		}
		s.warn("credstore load failed", err)
		return Credentials{}, err
	}
	defer func() { _ = file.Close() }()
	material, root, err := s.material(false)
	if err != nil {
		return Credentials{}, err
	}
	reader, err := kryptograf.New(root).DecryptReader(file, material)
	if err != nil {
		s.warn("credstore load failed", err)
		return Credentials{}, err
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		s.warn("credstore load failed", err)
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		s.warn("credstore load failed", err)
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if s.log != nil {
		s.log.Debug("credstore load ok", "host", creds.Host)
	}
	return creds, nil
}

// Save encrypts and stores creds, replacing any previous value.
func (s *Store) Save(creds Credentials) error {
	creds.Host = strings.TrimSpace(creds.Host)
	if !creds.Valid() {
		return errors.New("host and password are required")
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	material, root, err := s.material(false)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.dataPath), "credentials-*.enc")
	if err != nil {
		s.warn("credstore save failed", err)
		return err
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		s.warn("credstore save failed", err)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	writer, err := kryptograf.New(root).EncryptWriter(tmp, material)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}
	// The encrypt writer closes tmp.
	_ = tmp.Close()
	if err := os.Rename(tmpPath, s.dataPath); err != nil {
		_ = os.Remove(tmpPath)
		s.warn("credstore save failed", err)
		return err
	}
	if s.log != nil {
		s.log.Info("credstore save ok", "host", creds.Host)
	}
	return nil
}

// Reset removes stored credentials and rotates the data key, so a leftover
// copy of the old file can no longer be decrypted.
func (s *Store) Reset() error {
	if err := os.Remove(s.dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.warn("credstore reset failed", err)
		return err
	}
	if _, _, err := s.material(true); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Info("credstore reset ok")
	}
	return nil
}

func (s *Store) material(rotate bool) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.keystorePath)
	if err != nil {
		s.warn("credstore material load failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		s.warn("credstore material load failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	contextBytes := []byte(descriptorName)
	var material keymgmt.Material
	if rotate {
		material, err = keymgmt.MintDEK(root, contextBytes)
		if err == nil {
			err = store.SetDescriptor(descriptorName, material.Descriptor)
		}
	} else {
		material, err = store.EnsureDescriptor(descriptorName, root, contextBytes)
	}
	if err != nil {
		s.warn("credstore material ensure failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if err := store.Commit(); err != nil {
		s.warn("credstore material commit failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

func (s *Store) warn(msg string, err error) {
	if s.log != nil {
		s.log.Warn(msg, "err", err)
	}
}
