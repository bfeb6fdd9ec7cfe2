package bio

import (
	"fmt"

	"minikernel/ksync"
)

// Buf is one cached disk block. Its identity (dev, blockno), refcnt and
// stamp are guarded by the owning bucket's lock; the data bytes and the
// valid flag are guarded by the content lock once the buffer is bound.
type Buf struct {
	dev     uint32
	blockno uint32
	valid   bool
	refcnt  int
	stamp   uint64 // tick of the last refcnt 1 -> 0 transition
	next    *Buf

	lock ksync.SleepLock

	// Data is the cached block content. Callers may read and write it
	// only between Bread and Brelse, while the content lock is held.
	Data []byte
}

// Dev returns the device the buffer is bound to.
func (b *Buf) Dev() uint32 {
	return b.dev
}

// BlockNo returns the block number the buffer is bound to.
func (b *Buf) BlockNo() uint32 {
	return b.blockno
}

func (b *Buf) String() string {
	return fmt.Sprintf("[dev %d, block %d]", b.dev, b.blockno)
}
