package wal

import (
	"fmt"
	"sync"

	"minikernel/bio"
	"minikernel/logger"
)

// LogMgr keeps the set of dirty buffers belonging to the running
// transaction resident until commit. Write pins a buffer, so the cache
// cannot evict it even after the caller releases it; Commit writes every
// pinned block back and drops the pins.
type LogMgr struct {
	mu     sync.Mutex
	cache  *bio.Cache
	pinned []*bio.Buf
}

func NewLogMgr(cache *bio.Cache) *LogMgr {
	return &LogMgr{cache: cache}
}

// Write records b as dirty. The caller must hold b's content lock (it
// came from Bread and has not been released). Recording the same buffer
// twice keeps a single pin, log absorption.
func (lm *LogMgr) Write(b *bio.Buf) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, p := range lm.pinned {
		if p == b {
			return
		}
	}
	lm.cache.Bpin(b)
	lm.pinned = append(lm.pinned, b)
}

// Commit writes every recorded block to disk and unpins it. The caller
// must have released all recorded buffers.
func (lm *LogMgr) Commit() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, p := range lm.pinned {
		b, err := lm.cache.Bread(p.Dev(), p.BlockNo())
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := lm.cache.Bwrite(b); err != nil {
			lm.cache.Brelse(b)
			return fmt.Errorf("commit: %w", err)
		}
		lm.cache.Brelse(b)
		lm.cache.Bunpin(b)
	}
	logger.Log.Debugf("wal: committed %d blocks", len(lm.pinned))
	lm.pinned = lm.pinned[:0]
	return nil
}

// Abort drops every pin without writing anything back.
func (lm *LogMgr) Abort() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, p := range lm.pinned {
		lm.cache.Bunpin(p)
	}
	lm.pinned = lm.pinned[:0]
}

// Pending returns the number of blocks waiting for commit.
func (lm *LogMgr) Pending() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.pinned)
}
