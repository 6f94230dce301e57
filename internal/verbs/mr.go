package verbs

/*
#include <infiniband/verbs.h>
*/
import "C"
import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rdmashim/msgring/internal/ring"
)

var _ ring.MemoryRegion = (*Region)(nil)

// Region is a pinned, registered memory region backed by an anonymous
// mmap. The mmap keeps the backing pages at a stable address for the
// lifetime of the registration, which Go-managed memory would not.
type Region struct {
	owner *Context
	mr    *C.struct_ibv_mr
	buf   []byte
}

func newRegion(c *Context, size uint64) (*Region, error) {
	if size == 0 {
		return nil, errors.New("verbs: zero-sized region")
	}

	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("verbs: mmap of %d bytes: %w", size, err)
	}

	const access = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_READ | C.IBV_ACCESS_REMOTE_WRITE
	mr := C.ibv_reg_mr(c.pd, unsafe.Pointer(&buf[0]), C.size_t(size), access)
	if mr == nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("verbs: registering %d-byte region", size)
	}

	return &Region{owner: c, mr: mr, buf: buf}, nil
}

func (r *Region) Bytes() []byte { return r.buf }

func (r *Region) Remote() ring.RemoteDescriptor {
	return ring.RemoteDescriptor{
		Addr: uint64(uintptr(unsafe.Pointer(&r.buf[0]))),
		Key:  uint32(r.mr.rkey),
	}
}

func (r *Region) LocalKey() uint32 { return uint32(r.mr.lkey) }

func (r *Region) contains(addr, n uintptr) bool {
	base := uintptr(unsafe.Pointer(&r.buf[0]))
	return addr >= base && addr+n <= base+uintptr(len(r.buf))
}

// Close deregisters the region and unmaps its backing memory. The
// caller must have drained every work request referencing it.
func (r *Region) Close() error {
	if r.mr == nil {
		return nil
	}
	if errno := C.ibv_dereg_mr(r.mr); errno != 0 {
		return fmt.Errorf("verbs: deregistering region: errno %d", errno)
	}
	r.mr = nil
	r.owner.forget(r)
	if err := unix.Munmap(r.buf); err != nil {
		return fmt.Errorf("verbs: unmapping region: %w", err)
	}
	r.buf = nil
	return nil
}
