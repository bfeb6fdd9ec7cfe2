// The buffer cache holds cached copies of disk block contents. Caching
// blocks in memory cuts down on disk reads and gives processes a
// synchronization point for blocks they share.
//
// Interface:
//   - Bread returns a locked buffer for a block.
//   - Bwrite writes a locked buffer back to disk.
//   - Brelse releases a buffer; do not use it afterwards.
//   - Bpin/Bunpin keep a buffer resident without holding its lock.
//
// Only one caller at a time can use a buffer, so buffers should not be
// held longer than necessary.
package bio

import (
	"fmt"
	"sync/atomic"

	"minikernel/kclock"
	"minikernel/ksync"
	"minikernel/logger"
)

// DefaultNBucket is the number of hash buckets the cache is sharded over,
// a small prime so consecutive block numbers spread out.
const DefaultNBucket = 13

// Driver is the synchronous block device below the cache.
type Driver interface {
	ReadBlock(dev, blockno uint32, p []byte) error
	WriteBlock(dev, blockno uint32, p []byte) error
}

type bucket struct {
	lock ksync.SpinLock
	head *Buf
}

// Stats are the cache's running counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64 // within-bucket rebinds
	Steals    uint64 // cross-bucket rebinds
}

// Cache is a fixed pool of buffers sharded over hash buckets by block
// number. The common case, a hit or an eviction inside the block's own
// bucket, touches only that bucket's lock; the rebinding lock serializes
// the rare cross-bucket steal so two CPUs cannot deadlock each other
// raiding each other's buckets.
type Cache struct {
	driver  Driver
	clock   *kclock.Clock
	nbucket int

	lock    ksync.SpinLock // rebinding lock; ordered before any bucket lock
	buckets []bucket
	bufs    []Buf

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	steals    atomic.Uint64
}

// New builds a cache of nbuf buffers of blockSize bytes over nbucket
// buckets. Buffers are dealt round-robin into the buckets and stay there
// until a cross-bucket steal moves one.
func New(driver Driver, clk *kclock.Clock, nbuf, nbucket, blockSize int) *Cache {
	if nbuf < 1 || nbucket < 1 || blockSize < 1 {
		panic(fmt.Sprintf("bio: invalid geometry nbuf=%d nbucket=%d blockSize=%d", nbuf, nbucket, blockSize))
	}
	c := &Cache{
		driver:  driver,
		clock:   clk,
		nbucket: nbucket,
		buckets: make([]bucket, nbucket),
		bufs:    make([]Buf, nbuf),
	}
	c.lock.Init("bcache")
	for i := range c.buckets {
		c.buckets[i].lock.Init(fmt.Sprintf("bcache.bucket%d", i))
	}
	for i := range c.bufs {
		b := &c.bufs[i]
		b.lock.Init("buffer")
		b.Data = make([]byte, blockSize)
		id := i % nbucket
		b.next = c.buckets[id].head
		c.buckets[id].head = b
	}
	return c
}

// bucketOf maps a block number to its bucket index.
func (c *Cache) bucketOf(blockno uint32) int {
	return int(blockno % uint32(c.nbucket))
}

// findLocked scans bucket id for a buffer bound to (dev, blockno). The
// caller must hold the bucket's lock.
func (c *Cache) findLocked(id int, dev, blockno uint32) *Buf {
	for b := c.buckets[id].head; b != nil; b = b.next {
		if b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}

// lruLocked returns the unreferenced buffer in bucket id with the
// smallest stamp, or nil. Ties go to the buffer seen first in list order.
// The caller must hold the bucket's lock.
func (c *Cache) lruLocked(id int) *Buf {
	var victim *Buf
	for b := c.buckets[id].head; b != nil; b = b.next {
		if b.refcnt == 0 && (victim == nil || b.stamp < victim.stamp) {
			victim = b
		}
	}
	return victim
}

// detachLocked unlinks b from bucket id. The caller must hold the
// bucket's lock.
func (c *Cache) detachLocked(id int, b *Buf) {
	bkt := &c.buckets[id]
	if bkt.head == b {
		bkt.head = b.next
	} else {
		for p := bkt.head; p.next != nil; p = p.next {
			if p.next == b {
				p.next = b.next
				break
			}
		}
	}
	b.next = nil
}

// bget returns a buffer bound to (dev, blockno) with its content lock
// held, binding a recycled buffer if the block is not cached.
func (c *Cache) bget(dev, blockno uint32) *Buf {
	id := c.bucketOf(blockno)

	// Fast path: the block is cached in its own bucket.
	c.buckets[id].lock.Acquire()
	if b := c.findLocked(id, dev, blockno); b != nil {
		b.refcnt++
		c.buckets[id].lock.Release()
		c.hits.Add(1)
		b.lock.Acquire()
		return b
	}
	c.buckets[id].lock.Release()
	c.misses.Add(1)

	// Not cached. Take the rebinding lock, then the bucket lock again.
	// Another CPU may have cached the block in the window where no lock
	// was held, so look once more before recycling anything; skipping
	// this check can bind the same block twice.
	c.lock.Acquire()
	c.buckets[id].lock.Acquire()
	if b := c.findLocked(id, dev, blockno); b != nil {
		b.refcnt++
		c.buckets[id].lock.Release()
		c.lock.Release()
		b.lock.Acquire()
		return b
	}

	// Recycle the least recently used unreferenced buffer in the block's
	// own bucket.
	if b := c.lruLocked(id); b != nil {
		c.rebindLocked(b, dev, blockno)
		c.buckets[id].lock.Release()
		c.lock.Release()
		c.evictions.Add(1)
		b.lock.Acquire()
		return b
	}
	c.buckets[id].lock.Release()

	// Steal the globally least recently used unreferenced buffer from
	// another bucket. The rebinding lock stays held across the whole
	// scan-and-commit.
	for {
		var victim *Buf
		donor := -1
		var minStamp uint64
		for i := 0; i < c.nbucket; i++ {
			if i == id {
				continue
			}
			c.buckets[i].lock.Acquire()
			for b := c.buckets[i].head; b != nil; b = b.next {
				if b.refcnt == 0 && (victim == nil || b.stamp < minStamp) {
					victim = b
					minStamp = b.stamp
					donor = i
				}
			}
			c.buckets[i].lock.Release()
		}
		if victim == nil {
			panic("bget: no buffers")
		}

		// Commit: donor and destination bucket locks together, in
		// ascending bucket order.
		lo, hi := donor, id
		if lo > hi {
			lo, hi = hi, lo
		}
		c.buckets[lo].lock.Acquire()
		c.buckets[hi].lock.Acquire()

		// The destination bucket was unlocked during the scan; a hit
		// may have appeared there.
		if b := c.findLocked(id, dev, blockno); b != nil {
			b.refcnt++
			c.buckets[hi].lock.Release()
			c.buckets[lo].lock.Release()
			c.lock.Release()
			b.lock.Acquire()
			return b
		}
		// The donor bucket was unlocked too; the victim's old identity
		// may have been looked up again in the meantime. If so, pick a
		// new victim.
		if victim.refcnt != 0 {
			c.buckets[hi].lock.Release()
			c.buckets[lo].lock.Release()
			continue
		}

		logger.Log.Debugf("bio: stealing %v from bucket %d for dev %d block %d", victim, donor, dev, blockno)
		c.detachLocked(donor, victim)
		c.rebindLocked(victim, dev, blockno)
		victim.next = c.buckets[id].head
		c.buckets[id].head = victim

		c.buckets[hi].lock.Release()
		c.buckets[lo].lock.Release()
		c.lock.Release()
		c.steals.Add(1)
		victim.lock.Acquire()
		return victim
	}
}

// rebindLocked points b at a new block. The caller must hold the lock of
// the bucket b sits in (and, when moving buckets, the rebinding lock);
// refcnt goes 0 -> 1 under that lock, so no other CPU observes the
// intermediate state.
func (c *Cache) rebindLocked(b *Buf, dev, blockno uint32) {
	b.dev = dev
	b.blockno = blockno
	b.valid = false
	b.refcnt = 1
}

// Bread returns a locked buffer holding the contents of the block. If the
// block was not cached, it is read from the device first. A driver error
// releases the buffer and is returned unchanged in meaning.
func (c *Cache) Bread(dev, blockno uint32) (*Buf, error) {
	b := c.bget(dev, blockno)
	if !b.valid {
		if err := c.driver.ReadBlock(dev, blockno, b.Data); err != nil {
			c.Brelse(b)
			return nil, fmt.Errorf("bread dev %d block %d: %w", dev, blockno, err)
		}
		b.valid = true
	}
	return b, nil
}

// Bwrite writes b's contents to the device. The caller must hold b's
// content lock.
func (c *Cache) Bwrite(b *Buf) error {
	if !b.lock.Holding() {
		panic("bwrite")
	}
	if err := c.driver.WriteBlock(b.dev, b.blockno, b.Data); err != nil {
		return fmt.Errorf("bwrite %v: %w", b, err)
	}
	return nil
}

// Brelse releases a locked buffer. When the last reference goes away the
// current tick is recorded as the buffer's eviction priority. The caller
// must not touch b afterwards.
func (c *Cache) Brelse(b *Buf) {
	if !b.lock.Holding() {
		panic("brelse")
	}
	b.lock.Release()

	id := c.bucketOf(b.blockno)
	c.buckets[id].lock.Acquire()
	b.refcnt--
	if b.refcnt == 0 {
		b.stamp = c.clock.Now()
	}
	c.buckets[id].lock.Release()
}

// Bpin takes an extra reference on b without touching its content lock,
// keeping it ineligible for eviction.
func (c *Cache) Bpin(b *Buf) {
	id := c.bucketOf(b.blockno)
	c.buckets[id].lock.Acquire()
	b.refcnt++
	c.buckets[id].lock.Release()
}

// Bunpin drops a reference taken with Bpin.
func (c *Cache) Bunpin(b *Buf) {
	id := c.bucketOf(b.blockno)
	c.buckets[id].lock.Acquire()
	b.refcnt--
	if b.refcnt == 0 {
		b.stamp = c.clock.Now()
	}
	c.buckets[id].lock.Release()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Steals:    c.steals.Load(),
	}
}
