package verbs

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <infiniband/verbs.h>
*/
import "C"
import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/rdmashim/msgring/internal/ring"
)

// DefaultCQDepth is the completion queue depth requested at device
// open; it bounds the number of unreaped send completions.
const DefaultCQDepth = 100

var _ ring.Registrar = (*Context)(nil)

// Context owns the process-wide verbs resources: the device context,
// the protection domain, and the shared send and receive completion
// queues. Multiple queue pairs (one per MessageRing) may share one
// Context; the completion queues serialise their reaping internally.
type Context struct {
	ctx    *C.struct_ibv_context
	pd     *C.struct_ibv_pd
	sendCQ *CompletionQueue
	recvCQ *CompletionQueue

	port uint8
	lid  uint16

	// regions maps registered memory so posted segments can be matched
	// back to the lkey of the region containing them.
	regionMu sync.Mutex
	regions  []*Region

	log *logrus.Entry
}

// Open opens the named RDMA device (or the first one found when name
// is empty), allocates a protection domain, and creates the shared
// send and receive completion queues.
func Open(name string, port uint8, cqDepth int) (*Context, error) {
	if cqDepth <= 0 {
		cqDepth = DefaultCQDepth
	}

	var count C.int
	devices := C.ibv_get_device_list(&count)
	if devices == nil || count == 0 {
		if devices != nil {
			C.ibv_free_device_list(devices)
		}
		return nil, errors.New("verbs: no RDMA devices found")
	}
	defer C.ibv_free_device_list(devices)

	var dev *C.struct_ibv_device
	list := unsafe.Slice(devices, int(count))
	for _, d := range list {
		if d == nil {
			continue
		}
		if name == "" || C.GoString(C.ibv_get_device_name(d)) == name {
			dev = d
			break
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("verbs: device %q not found", name)
	}

	ctx := C.ibv_open_device(dev)
	if ctx == nil {
		return nil, fmt.Errorf("verbs: opening device %q", C.GoString(C.ibv_get_device_name(dev)))
	}

	var portAttr C.struct_ibv_port_attr
	if errno := C.ibv_query_port(ctx, C.uint8_t(port), &portAttr); errno != 0 {
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("verbs: querying port %d: errno %d", port, errno)
	}

	pd := C.ibv_alloc_pd(ctx)
	if pd == nil {
		C.ibv_close_device(ctx)
		return nil, errors.New("verbs: allocating protection domain")
	}

	sendCQ, err := newCompletionQueue(ctx, cqDepth)
	if err != nil {
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(ctx)
		return nil, err
	}
	recvCQ, err := newCompletionQueue(ctx, cqDepth)
	if err != nil {
		sendCQ.close()
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(ctx)
		return nil, err
	}

	c := &Context{
		ctx:    ctx,
		pd:     pd,
		sendCQ: sendCQ,
		recvCQ: recvCQ,
		port:   port,
		lid:    uint16(portAttr.lid),
		log: logrus.WithFields(logrus.Fields{
			"component": "verbs.Context",
			"device":    C.GoString(C.ibv_get_device_name(dev)),
			"port":      port,
		}),
	}
	c.log.WithField("lid", c.lid).Info("rdma device opened")
	return c, nil
}

// LID returns the local identifier of the opened port.
func (c *Context) LID() uint16 { return c.lid }

// Register mmaps size bytes of anonymous memory and registers it for
// local write plus remote read and write, implementing ring.Registrar.
func (c *Context) Register(size uint64) (ring.MemoryRegion, error) {
	r, err := newRegion(c, size)
	if err != nil {
		return nil, err
	}
	c.regionMu.Lock()
	c.regions = append(c.regions, r)
	c.regionMu.Unlock()
	return r, nil
}

// lookupKey resolves the lkey of the registered region containing the
// given byte slice. Posting from unregistered memory is a caller bug.
func (c *Context) lookupKey(p []byte) (uint32, error) {
	if len(p) == 0 {
		return 0, errors.New("verbs: empty segment")
	}
	addr := uintptr(unsafe.Pointer(&p[0]))
	c.regionMu.Lock()
	defer c.regionMu.Unlock()
	for _, r := range c.regions {
		if r.contains(addr, uintptr(len(p))) {
			return r.LocalKey(), nil
		}
	}
	return 0, fmt.Errorf("verbs: segment at %#x not in any registered region", addr)
}

func (c *Context) forget(r *Region) {
	c.regionMu.Lock()
	defer c.regionMu.Unlock()
	for i, cand := range c.regions {
		if cand == r {
			c.regions = append(c.regions[:i], c.regions[i+1:]...)
			return
		}
	}
}

// Close releases the completion queues, the protection domain, and the
// device context. All queue pairs and regions must be closed first.
func (c *Context) Close() error {
	var firstErr error
	if err := c.sendCQ.close(); err != nil {
		firstErr = err
	}
	if err := c.recvCQ.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if errno := C.ibv_dealloc_pd(c.pd); errno != 0 && firstErr == nil {
		firstErr = fmt.Errorf("verbs: deallocating protection domain: errno %d", errno)
	}
	if errno := C.ibv_close_device(c.ctx); errno != 0 && firstErr == nil {
		firstErr = fmt.Errorf("verbs: closing device: errno %d", errno)
	}
	c.log.Info("rdma device closed")
	return firstErr
}
