// services/dispenser/internal/core/assets.go
package core

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// AssetPrefix is prepended to asset paths handed to devices. Devices fetch
// assets from the device API relative to its base, e.g. "audio/1/en/snooze.wav".
const AssetPrefix = "audio/"

// AssetCache stores rendered speech files under root, grouped into one
// directory per (patient, language). A directory is only ever replaced
// wholesale.
type AssetCache struct {
	root string
}

// NewAssetCache creates the root directory if needed.
func NewAssetCache(root string) (*AssetCache, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve asset root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create asset root: %w", err)
	}
	return &AssetCache{root: abs}, nil
}

// Root returns the absolute asset root.
func (c *AssetCache) Root() string { return c.root }

func languageDir(patientID uint, language string) string {
	return path.Join(strconv.FormatUint(uint64(patientID), 10), language)
}

// PromptPath is the relative path of a global prompt.
func PromptPath(patientID uint, language, key string) string {
	return path.Join(languageDir(patientID, language), key+".wav")
}

// DosePath is the relative path of the prompt for the n-th dose of a medication.
func DosePath(patientID uint, language string, medID uint, n int) string {
	return path.Join(languageDir(patientID, language), fmt.Sprintf("med_%d", medID), fmt.Sprintf("dosage_%d.wav", n))
}

// Replace wipes the (patient, language) directory and recreates it empty.
// Callers must hold the lock for that pair.
func (c *AssetCache) Replace(patientID uint, language string) error {
	dir := filepath.Join(c.root, filepath.FromSlash(languageDir(patientID, language)))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear asset dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}
	return nil
}

// Write stores data at the relative path rel.
func (c *AssetCache) Write(rel string, data []byte) error {
	full, err := c.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

// Open resolves rel to an existing file under the root. Paths escaping the
// root, directories and missing files all yield ErrAssetNotFound.
func (c *AssetCache) Open(rel string) (string, error) {
	full, err := c.resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", ErrAssetNotFound
	}
	return full, nil
}

func (c *AssetCache) resolve(rel string) (string, error) {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
	rel = strings.TrimPrefix(rel, AssetPrefix)
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", ErrAssetNotFound
	}

	full := filepath.Join(c.root, filepath.FromSlash(clean))
	back, err := filepath.Rel(c.root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", ErrAssetNotFound
	}
	return full, nil
}

// KeyedMutex serializes work per key inside one process.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
