package reg

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

const MemFile = "/dev/mem"

// DevMem is a Port over a physical address window mapped from /dev/mem (or
// any file that can stand in for it). Accesses are 32-bit atomic loads and
// stores on the mapping, which the compiler can neither elide nor reorder.
type DevMem struct {
	buf  mmap.MMap
	offs uintptr // offset of base within buf
	base uintptr
	size uintptr
}

// OpenDevMem maps size bytes of physical memory starting at base.
func OpenDevMem(base uintptr, size int) (*DevMem, error) {
	return OpenDevMemFile(MemFile, base, size, nil)
}

// OpenDevMemFile maps size bytes of path starting at offset base. Since the
// mapping has to start at a page boundary, base is rounded down to the
// nearest page and the difference remembered for later accesses.
func OpenDevMemFile(path string, base uintptr, size int, logger *slog.Logger) (*DevMem, error) {
	if base%4 != 0 {
		return nil, fmt.Errorf("base %08X isn't word aligned", base)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s: %w", path, err)
	}
	defer f.Close() // The mapping stays valid after close

	pageSize := uintptr(os.Getpagesize())
	mapAddr := base &^ (pageSize - 1)
	mapSize := size + int(base-mapAddr)
	if logger != nil {
		logger.Debug("mapping region", "path", path, "size", mapSize, "map_addr", fmt.Sprintf("%08X", mapAddr), "base", fmt.Sprintf("%08X", base))
	}
	mm, err := mmap.MapRegion(f, mapSize, mmap.RDWR, 0, int64(mapAddr))
	if err != nil {
		return nil, fmt.Errorf("couldn't map region (%08X, %d): %w", base, size, err)
	}
	return &DevMem{
		buf:  mm,
		offs: base - mapAddr,
		base: base,
		size: uintptr(size),
	}, nil
}

func (d *DevMem) word(addr uintptr) *uint32 {
	if addr < d.base || addr+4 > d.base+d.size || addr%4 != 0 {
		panic(fmt.Sprintf("address %08X outside mapped window %08X+%d", addr, d.base, d.size))
	}
	return (*uint32)(unsafe.Pointer(&d.buf[d.offs+addr-d.base]))
}

func (d *DevMem) Load(addr uintptr) uint32 {
	return atomic.LoadUint32(d.word(addr))
}

func (d *DevMem) Store(addr uintptr, v uint32) {
	atomic.StoreUint32(d.word(addr), v)
}

// Close unmaps the window. The DevMem must not be used afterwards.
func (d *DevMem) Close() error {
	if d.buf == nil {
		return nil
	}
	err := d.buf.Unmap()
	d.buf = nil
	return err
}

func (d *DevMem) String() string {
	return fmt.Sprintf("devmem(%08X+%d)", d.base, d.size)
}
