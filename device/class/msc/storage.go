package msc

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Storage errors, mapped to SCSI sense data by [SCSI].
var (
	ErrOutOfRange   = errors.New("block address out of range")
	ErrReadOnly     = errors.New("medium is write protected")
	ErrNoMedium     = errors.New("medium not present")
	ErrNotRemovable = errors.New("medium not removable")
)

// Storage is a block device behind a [SCSI] handler.
type Storage interface {
	// BlockSize returns the logical block size in bytes.
	BlockSize() uint32

	// BlockCount returns the number of logical blocks.
	BlockCount() uint64

	// ReadBlocks fills buf, a whole number of blocks, starting at lba.
	ReadBlocks(lba uint64, buf []byte) error

	// WriteBlocks stores data, a whole number of blocks, starting at lba.
	WriteBlocks(lba uint64, data []byte) error

	// Sync flushes cached writes.
	Sync() error

	ReadOnly() bool
	Removable() bool
	Present() bool

	// Eject removes a removable medium.
	Eject() error
}

// span returns the byte range of n bytes at lba, checked against the
// geometry.
func span(lba uint64, n int, blockSize uint32, blocks uint64) (int64, error) {
	if n%int(blockSize) != 0 {
		return 0, fmt.Errorf("%d bytes is not a multiple of %d: %w", n, blockSize, ErrOutOfRange)
	}
	count := uint64(n) / uint64(blockSize)
	if lba > blocks || count > blocks-lba {
		return 0, fmt.Errorf("blocks %d+%d of %d: %w", lba, count, blocks, ErrOutOfRange)
	}
	return int64(lba * uint64(blockSize)), nil
}

// MemoryStorage is a Storage held in memory.
type MemoryStorage struct {
	mutex     sync.RWMutex
	data      []byte
	blockSize uint32
	readOnly  bool
	removable bool
	present   bool
}

// NewMemoryStorage returns a present, writable medium of blocks blocks.
func NewMemoryStorage(blocks uint64, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
		present:   true,
	}
}

func (m *MemoryStorage) BlockSize() uint32 { return m.blockSize }

func (m *MemoryStorage) BlockCount() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

func (m *MemoryStorage) ReadBlocks(lba uint64, buf []byte) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if !m.present {
		return ErrNoMedium
	}
	off, err := span(lba, len(buf), m.blockSize, m.BlockCount())
	if err != nil {
		return err
	}
	copy(buf, m.data[off:])
	return nil
}

func (m *MemoryStorage) WriteBlocks(lba uint64, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	switch {
	case !m.present:
		return ErrNoMedium
	case m.readOnly:
		return ErrReadOnly
	}
	off, err := span(lba, len(data), m.blockSize, m.BlockCount())
	if err != nil {
		return err
	}
	copy(m.data[off:], data)
	return nil
}

func (m *MemoryStorage) Sync() error { return nil }

func (m *MemoryStorage) ReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets write protection.
func (m *MemoryStorage) SetReadOnly(on bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = on
}

func (m *MemoryStorage) Removable() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.removable
}

// SetRemovable marks the medium removable.
func (m *MemoryStorage) SetRemovable(on bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.removable = on
}

func (m *MemoryStorage) Present() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.present
}

// Insert makes a removed medium present again.
func (m *MemoryStorage) Insert() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.present = true
}

func (m *MemoryStorage) Eject() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.removable {
		return ErrNotRemovable
	}
	m.present = false
	return nil
}

// FileStorage is a Storage backed by an image file.
type FileStorage struct {
	mutex     sync.RWMutex
	file      *os.File
	blockSize uint32
	blocks    uint64
	readOnly  bool
}

// OpenFileStorage opens the image at path. The image is truncated to a
// whole number of blocks.
func OpenFileStorage(path string, blockSize uint32, readOnly bool) (*FileStorage, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	return &FileStorage{
		file:      file,
		blockSize: blockSize,
		blocks:    uint64(info.Size()) / uint64(blockSize),
		readOnly:  readOnly,
	}, nil
}

func (f *FileStorage) BlockSize() uint32  { return f.blockSize }
func (f *FileStorage) BlockCount() uint64 { return f.blocks }

func (f *FileStorage) ReadBlocks(lba uint64, buf []byte) error {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	if f.file == nil {
		return ErrNoMedium
	}
	off, err := span(lba, len(buf), f.blockSize, f.blocks)
	if err != nil {
		return err
	}
	_, err = f.file.ReadAt(buf, off)
	return err
}

func (f *FileStorage) WriteBlocks(lba uint64, data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	switch {
	case f.file == nil:
		return ErrNoMedium
	case f.readOnly:
		return ErrReadOnly
	}
	off, err := span(lba, len(data), f.blockSize, f.blocks)
	if err != nil {
		return err
	}
	_, err = f.file.WriteAt(data, off)
	return err
}

func (f *FileStorage) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.file == nil || f.readOnly {
		return nil
	}
	return f.file.Sync()
}

func (f *FileStorage) ReadOnly() bool  { return f.readOnly }
func (f *FileStorage) Removable() bool { return false }

func (f *FileStorage) Present() bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.file != nil
}

func (f *FileStorage) Eject() error { return ErrNotRemovable }

// Close closes the image file.
func (f *FileStorage) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*FileStorage)(nil)
)
