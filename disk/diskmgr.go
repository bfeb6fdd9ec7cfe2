package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"minikernel/logger"
)

// BlockID identifies one block on one device.
type BlockID struct {
	Dev uint32
	Num uint32
}

func (id BlockID) String() string {
	return fmt.Sprintf("[dev %d, block %d]", id.Dev, id.Num)
}

// OpLogEntry records one read or write against a device.
type OpLogEntry struct {
	Timestamp time.Time
	Block     BlockID
	Write     bool
}

const maxOpLogEntries = 1000

// DiskMgr is a synchronous block-device driver backed by one file per
// device under a data directory. Every transfer is a whole block; reads
// past the end of a device see zero bytes, the fresh-disk state.
//
// A checksum of every written block is remembered and verified on the
// next read, so torn or corrupted device files surface as read errors
// instead of silently bad data.
type DiskMgr struct {
	dir       string
	blockSize int

	mu            sync.Mutex
	openFiles     map[uint32]*os.File
	checksums     map[BlockID]uint64
	blocksRead    int
	blocksWritten int
	opLog         []OpLogEntry
}

// NewDiskMgr opens (creating if needed) a device directory.
func NewDiskMgr(dir string, blockSize int) (*DiskMgr, error) {
	if blockSize < 1 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to access directory %s: %w", dir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("path %s is not a directory", dir)
	}
	return &DiskMgr{
		dir:       dir,
		blockSize: blockSize,
		openFiles: make(map[uint32]*os.File),
		checksums: make(map[BlockID]uint64),
	}, nil
}

// getFile returns the open file backing dev, caching the handle. The
// caller must hold dm.mu.
func (dm *DiskMgr) getFile(dev uint32) (*os.File, error) {
	if f, exists := dm.openFiles[dev]; exists {
		return f, nil
	}
	path := filepath.Join(dm.dir, fmt.Sprintf("disk%d.dat", dev))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file %s: %w", path, err)
	}
	dm.openFiles[dev] = f
	return f, nil
}

// ReadBlock reads one block into p, which must be exactly one block long.
func (dm *DiskMgr) ReadBlock(dev, blockno uint32, p []byte) error {
	if len(p) != dm.blockSize {
		return fmt.Errorf("read buffer is %d bytes, want %d", len(p), dm.blockSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	id := BlockID{Dev: dev, Num: blockno}
	f, err := dm.getFile(dev)
	if err != nil {
		return fmt.Errorf("read %v: %w", id, err)
	}

	offset := int64(blockno) * int64(dm.blockSize)
	n, err := f.ReadAt(p, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read %v: %w", id, err)
	}
	// Bytes past end-of-device read as zero.
	for i := n; i < len(p); i++ {
		p[i] = 0
	}

	if sum, ok := dm.checksums[id]; ok && xxhash.Sum64(p) != sum {
		return fmt.Errorf("checksum mismatch reading %v", id)
	}

	dm.blocksRead++
	dm.logOp(OpLogEntry{Timestamp: time.Now(), Block: id})
	return nil
}

// WriteBlock writes one block from p, which must be exactly one block
// long, and syncs the device file.
func (dm *DiskMgr) WriteBlock(dev, blockno uint32, p []byte) error {
	if len(p) != dm.blockSize {
		return fmt.Errorf("write buffer is %d bytes, want %d", len(p), dm.blockSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	id := BlockID{Dev: dev, Num: blockno}
	f, err := dm.getFile(dev)
	if err != nil {
		return fmt.Errorf("write %v: %w", id, err)
	}

	offset := int64(blockno) * int64(dm.blockSize)
	if _, err := f.WriteAt(p, offset); err != nil {
		return fmt.Errorf("failed to write %v: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync device %d: %w", dev, err)
	}

	dm.checksums[id] = xxhash.Sum64(p)
	dm.blocksWritten++
	dm.logOp(OpLogEntry{Timestamp: time.Now(), Block: id, Write: true})
	return nil
}

func (dm *DiskMgr) logOp(entry OpLogEntry) {
	if len(dm.opLog) >= maxOpLogEntries {
		dm.opLog = dm.opLog[1:]
	}
	dm.opLog = append(dm.opLog, entry)
}

// BlockSize returns the configured block size.
func (dm *DiskMgr) BlockSize() int {
	return dm.blockSize
}

// BlocksRead returns the total number of blocks read.
func (dm *DiskMgr) BlocksRead() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.blocksRead
}

// BlocksWritten returns the total number of blocks written.
func (dm *DiskMgr) BlocksWritten() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.blocksWritten
}

// OpLog returns a copy of the recent operation log.
func (dm *DiskMgr) OpLog() []OpLogEntry {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	out := make([]OpLogEntry, len(dm.opLog))
	copy(out, dm.opLog)
	return out
}

// Close closes every open device file.
func (dm *DiskMgr) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var firstErr error
	for dev, f := range dm.openFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close device %d: %w", dev, err)
		}
		delete(dm.openFiles, dev)
	}
	if firstErr != nil {
		logger.Log.Errorf("disk: close: %v", firstErr)
	}
	return firstErr
}
