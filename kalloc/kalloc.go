package kalloc

import (
	"encoding/binary"
	"fmt"

	"minikernel/kcpu"
	"minikernel/ksync"
	"minikernel/logger"
)

// PGSIZE is the size of one physical page frame.
const PGSIZE = 4096

// Junk patterns written into pages to surface use-after-free and
// uninitialized-read bugs.
const (
	allocJunk = 0x05
	freeJunk  = 0x01
)

// PhysAddr is a simulated physical address. The zero value plays the role
// of the null pointer: no managed frame has address 0.
type PhysAddr uint64

type freelist struct {
	lock ksync.SpinLock
	head PhysAddr
}

// KMem is the physical page allocator. Free frames are kept on per-CPU
// freelists threaded through the first word of each free page, so the
// allocator carries no external metadata per frame.
type KMem struct {
	mem     []byte
	end     PhysAddr // first managed address
	phystop PhysAddr // one past the last managed address
	lists   []freelist
}

// New builds an allocator managing npages frames for ncpu processors and
// frees every frame exactly once. The whole initial pool lands on CPU 0's
// freelist, the boot CPU; stealing spreads it out under load.
func New(ncpu, npages int) *KMem {
	if ncpu < 1 || npages < 1 {
		panic(fmt.Sprintf("kalloc: invalid geometry ncpu=%d npages=%d", ncpu, npages))
	}
	k := &KMem{
		mem:     make([]byte, npages*PGSIZE),
		end:     PGSIZE,
		phystop: PhysAddr((npages + 1) * PGSIZE),
		lists:   make([]freelist, ncpu),
	}
	for i := range k.lists {
		k.lists[i].lock.Init(fmt.Sprintf("kmem%d", i))
	}
	k.freerange()
	logger.Log.Infof("kalloc: %d pages managed in [%#x, %#x)", npages, k.end, k.phystop)
	return k
}

// freerange puts every managed frame on the boot CPU's freelist.
func (k *KMem) freerange() {
	for pa := k.end; pa+PGSIZE <= k.phystop; pa += PGSIZE {
		k.free(0, pa)
	}
}

// Kalloc returns one junk-filled page frame, or 0 if no CPU has a free
// frame. The local freelist is tried first; on empty, the other CPUs are
// walked in ascending id order and the first free frame found is stolen.
func (k *KMem) Kalloc(c *kcpu.CPU) PhysAddr {
	c.PushOff()
	id := c.ID()
	c.PopOff()

	fl := &k.lists[id]
	fl.lock.Acquire()
	pa := fl.head
	if pa != 0 {
		fl.head = k.next(pa)
	}
	fl.lock.Release()

	if pa == 0 {
		for i := range k.lists {
			if i == id {
				continue
			}
			other := &k.lists[i]
			other.lock.Acquire()
			pa = other.head
			if pa != 0 {
				other.head = k.next(pa)
			}
			other.lock.Release()
			if pa != 0 {
				break
			}
		}
	}

	if pa != 0 {
		fill(k.page(pa), allocJunk)
	}
	return pa
}

// Kfree returns a frame to the calling CPU's freelist. The frame must be
// page-aligned and inside the managed range.
func (k *KMem) Kfree(c *kcpu.CPU, pa PhysAddr) {
	if pa%PGSIZE != 0 || pa < k.end || pa >= k.phystop {
		panic(fmt.Sprintf("kfree: bad physical address %#x", pa))
	}
	c.PushOff()
	id := c.ID()
	c.PopOff()
	k.free(id, pa)
}

func (k *KMem) free(id int, pa PhysAddr) {
	// Fill with junk to catch dangling references; the first word is then
	// overwritten by the freelist link.
	fill(k.page(pa), freeJunk)

	fl := &k.lists[id]
	fl.lock.Acquire()
	k.setNext(pa, fl.head)
	fl.head = pa
	fl.lock.Release()
}

// Page returns the byte contents of the frame at pa. The caller owns the
// frame; accessing a freed frame observes the junk pattern and the
// freelist link.
func (k *KMem) Page(pa PhysAddr) []byte {
	if pa%PGSIZE != 0 || pa < k.end || pa >= k.phystop {
		panic(fmt.Sprintf("kalloc: bad physical address %#x", pa))
	}
	return k.page(pa)
}

// End returns the first managed physical address.
func (k *KMem) End() PhysAddr {
	return k.end
}

// PhysTop returns the address one past the managed range.
func (k *KMem) PhysTop() PhysAddr {
	return k.phystop
}

// FreePages counts the free frames across every CPU's list. It takes each
// freelist lock in turn, so the count is exact only when the allocator is
// quiescent.
func (k *KMem) FreePages() int {
	n := 0
	for i := range k.lists {
		fl := &k.lists[i]
		fl.lock.Acquire()
		for pa := fl.head; pa != 0; pa = k.next(pa) {
			n++
		}
		fl.lock.Release()
	}
	return n
}

// FreePagesOn counts the free frames on one CPU's list.
func (k *KMem) FreePagesOn(id int) int {
	n := 0
	fl := &k.lists[id]
	fl.lock.Acquire()
	for pa := fl.head; pa != 0; pa = k.next(pa) {
		n++
	}
	fl.lock.Release()
	return n
}

func (k *KMem) page(pa PhysAddr) []byte {
	off := int(pa - k.end)
	return k.mem[off : off+PGSIZE]
}

func (k *KMem) next(pa PhysAddr) PhysAddr {
	return PhysAddr(binary.BigEndian.Uint64(k.page(pa)))
}

func (k *KMem) setNext(pa, next PhysAddr) {
	binary.BigEndian.PutUint64(k.page(pa), uint64(next))
}

func fill(p []byte, b byte) {
	for i := range p {
		p[i] = b
	}
}
