package verbs

/*
#include <infiniband/verbs.h>
*/
import "C"
import (
	"errors"
	"fmt"
	"sync"
)

// CompletionQueue wraps one ibv_cq. Work completions for every queue
// pair attached to it land here, so polling is serialised by mu; the
// lock is held only across ibv_poll_cq and the bookkeeping that
// follows, never on the data path itself.
type CompletionQueue struct {
	cq  *C.struct_ibv_cq
	cqe int

	mu sync.Mutex
}

func newCompletionQueue(ctx *C.struct_ibv_context, depth int) (*CompletionQueue, error) {
	cq := C.ibv_create_cq(ctx, C.int(depth), nil, nil, 0)
	if cq == nil {
		return nil, errors.New("verbs: creating completion queue")
	}
	return &CompletionQueue{cq: cq, cqe: depth}, nil
}

// pollOne reaps at most one work completion. It returns (false, nil)
// when the queue is empty and an error when the completion carries a
// non-success status.
func (q *CompletionQueue) pollOne() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var wc C.struct_ibv_wc
	n := C.ibv_poll_cq(q.cq, 1, &wc)
	if n < 0 {
		return false, errors.New("verbs: ibv_poll_cq failed")
	}
	if n == 0 {
		return false, nil
	}
	if wc.status != C.IBV_WC_SUCCESS {
		return true, fmt.Errorf("verbs: work completion status %d (%s), wr_id %d",
			wc.status, C.GoString(C.ibv_wc_status_str(wc.status)), wc.wr_id)
	}
	return true, nil
}

func (q *CompletionQueue) close() error {
	if q.cq == nil {
		return nil
	}
	if errno := C.ibv_destroy_cq(q.cq); errno != 0 {
		return fmt.Errorf("verbs: destroying completion queue: errno %d", errno)
	}
	q.cq = nil
	return nil
}
