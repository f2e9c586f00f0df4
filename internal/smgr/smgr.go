// Package smgr implements the storage manager switch: a small interface
// dispatching page I/O to one of two backing implementations, file-backed
// and memory-resident.
package smgr

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// RelTag identifies one relation's backing store within a database.
type RelTag struct {
	DatabaseID uint32
	RelID      uint64
}

// Manager is the storage-manager switch interface. relationId/blockNumber
// form the buffer tag namespace the buffer cache looks up against.
type Manager interface {
	// Extend atomically grows the relation by one page and returns its
	// new block number.
	Extend(rel RelTag) (blockNumber uint32, err error)
	// ReadBlock reads one page into buf, which must be exactly PageSize.
	ReadBlock(rel RelTag, blockNumber uint32, buf []byte) error
	// WriteBlock writes buf (exactly PageSize) to the given block.
	WriteBlock(rel RelTag, blockNumber uint32, buf []byte) error
	// NBlocks returns the relation's current length in blocks.
	NBlocks(rel RelTag) (uint32, error)
	// Sync flushes any OS-buffered writes to durable storage.
	Sync() error
	// Close releases resources held by the manager.
	Close() error
	// Mode names the backing implementation, for diagnostics.
	Mode() string
}

// PageSize is the fixed page size every Manager implementation uses.
const PageSize = 8192

var ErrBlockOutOfRange = fmt.Errorf("smgr: block number out of range")

// ───────────────────────────────────────────────────────────────────────
// Memory-resident backend
// ───────────────────────────────────────────────────────────────────────

// MemoryManager keeps every relation's pages in RAM; nothing survives
// process exit.
type MemoryManager struct {
	mu   sync.Mutex
	rels map[RelTag][][]byte
}

// NewMemoryManager returns an empty in-memory storage manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{rels: make(map[RelTag][][]byte)}
}

func (m *MemoryManager) Mode() string { return "memory" }

func (m *MemoryManager) Extend(rel RelTag) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks := m.rels[rel]
	page := make([]byte, PageSize)
	m.rels[rel] = append(blocks, page)
	return uint32(len(m.rels[rel]) - 1), nil
}

func (m *MemoryManager) ReadBlock(rel RelTag, blockNumber uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks := m.rels[rel]
	if int(blockNumber) == len(blocks) {
		// A read racing a concurrent Extend lands one past the last
		// block; answer with a zeroed page rather than an error.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if int(blockNumber) > len(blocks) {
		return ErrBlockOutOfRange
	}
	copy(buf, blocks[blockNumber])
	return nil
}

func (m *MemoryManager) WriteBlock(rel RelTag, blockNumber uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks := m.rels[rel]
	if int(blockNumber) >= len(blocks) {
		return ErrBlockOutOfRange
	}
	copy(blocks[blockNumber], buf)
	return nil
}

func (m *MemoryManager) NBlocks(rel RelTag) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.rels[rel])), nil
}

func (m *MemoryManager) Sync() error { return nil }
func (m *MemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rels = nil
	return nil
}

// ───────────────────────────────────────────────────────────────────────
// File-backed backend
// ───────────────────────────────────────────────────────────────────────

// FileManager stores each relation as one flat file of fixed-size pages
// under a root directory, one os.File kept open per relation.
type FileManager struct {
	mu    sync.Mutex
	root  string
	files map[RelTag]*os.File
}

// NewFileManager opens (creating if needed) a storage root directory.
func NewFileManager(root string) (*FileManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("smgr: create root %s: %w", root, err)
	}
	return &FileManager{root: root, files: make(map[RelTag]*os.File)}, nil
}

func (m *FileManager) Mode() string { return "file" }

func (m *FileManager) pathFor(rel RelTag) string {
	return fmt.Sprintf("%s/%d.%d.rel", m.root, rel.DatabaseID, rel.RelID)
}

func (m *FileManager) fileFor(rel RelTag) (*os.File, error) {
	if f, ok := m.files[rel]; ok {
		return f, nil
	}
	f, err := os.OpenFile(m.pathFor(rel), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("smgr: open %s: %w", m.pathFor(rel), err)
	}
	m.files[rel] = f
	return f, nil
}

func (m *FileManager) Extend(rel RelTag) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.fileFor(rel)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("smgr: stat: %w", err)
	}
	blockNumber := uint32(info.Size() / PageSize)
	zero := make([]byte, PageSize)
	if _, err := f.WriteAt(zero, int64(blockNumber)*PageSize); err != nil {
		return 0, fmt.Errorf("smgr: extend: %w", err)
	}
	return blockNumber, nil
}

func (m *FileManager) ReadBlock(rel RelTag, blockNumber uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buf) != PageSize {
		return fmt.Errorf("smgr: buffer size %d != page size %d", len(buf), PageSize)
	}
	f, err := m.fileFor(rel)
	if err != nil {
		return err
	}
	n, err := f.ReadAt(buf, int64(blockNumber)*PageSize)
	if err == io.EOF {
		// EOF past the last full page means a reader raced an Extend;
		// the rest of the page reads as zeroes.
		for i := n; i < PageSize; i++ {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("smgr: read block %d: %w", blockNumber, err)
	}
	return nil
}

func (m *FileManager) WriteBlock(rel RelTag, blockNumber uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buf) != PageSize {
		return fmt.Errorf("smgr: buffer size %d != page size %d", len(buf), PageSize)
	}
	f, err := m.fileFor(rel)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, int64(blockNumber)*PageSize); err != nil {
		return fmt.Errorf("smgr: write block %d: %w", blockNumber, err)
	}
	return nil
}

func (m *FileManager) NBlocks(rel RelTag) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.fileFor(rel)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("smgr: stat: %w", err)
	}
	return uint32(info.Size() / PageSize), nil
}

func (m *FileManager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("smgr: sync: %w", err)
		}
	}
	return nil
}

func (m *FileManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for tag, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.files, tag)
	}
	return firstErr
}
