package main

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
)

var ErrFrameNotFound = errors.New("frame not found")

// FrameStore holds rendered frames addressed by sample index between the
// render and assemble stages. Put must be safe for concurrent use with
// distinct indices.
type FrameStore interface {
	Put(index int, img image.Image) error
	Get(index int) (image.Image, error)
	Clear() error
}

var frameEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

// --- Disk Store ---

type diskFrameStore struct {
	dir string
}

// newDiskFrameStore creates a fresh frame directory under parent
// (os.TempDir() when parent is empty).
func newDiskFrameStore(parent string) (*diskFrameStore, error) {
	dir, err := os.MkdirTemp(parent, "frames-")
	if err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}
	return &diskFrameStore{dir: dir}, nil
}

func (s *diskFrameStore) Dir() string { return s.dir }

func (s *diskFrameStore) framePath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("frame_%04d.png", index))
}

// Put writes to a temporary file and renames it, so a reader never sees a
// partially written frame.
func (s *diskFrameStore) Put(index int, img image.Image) error {
	tmp, err := os.CreateTemp(s.dir, ".frame-*.tmp")
	if err != nil {
		return err
	}
	if err := frameEncoder.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode frame %d: %w", index, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.framePath(index))
}

func (s *diskFrameStore) Get(index int) (image.Image, error) {
	file, err := os.Open(s.framePath(index))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", ErrFrameNotFound, index)
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, err := png.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", index, err)
	}
	return img, nil
}

func (s *diskFrameStore) Clear() error {
	return os.RemoveAll(s.dir)
}

// --- Memory Store ---

type memoryFrameStore struct {
	mu     sync.RWMutex
	frames map[int]image.Image
}

func newMemoryFrameStore() *memoryFrameStore {
	return &memoryFrameStore{frames: make(map[int]image.Image)}
}

func (s *memoryFrameStore) Put(index int, img image.Image) error {
	s.mu.Lock()
	s.frames[index] = img
	s.mu.Unlock()
	return nil
}

func (s *memoryFrameStore) Get(index int) (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.frames[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrFrameNotFound, index)
	}
	return img, nil
}

func (s *memoryFrameStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

func (s *memoryFrameStore) Clear() error {
	s.mu.Lock()
	s.frames = make(map[int]image.Image)
	s.mu.Unlock()
	return nil
}

func newFrameStore(kind, parent string) (FrameStore, error) {
	switch kind {
	case "memory":
		return newMemoryFrameStore(), nil
	case "disk", "":
		return newDiskFrameStore(parent)
	default:
		return nil, fmt.Errorf("unknown frame store %q", kind)
	}
}
