package proxy

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
)

// relay copies everything the upstream connection sends to the client.
// When the upstream reaches EOF or fails, both connections are closed unless
// the relay was detached first.
type relay struct {
	src      net.Conn
	dst      net.Conn
	onChunk  func(n int64)
	detached atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func startRelay(src, dst net.Conn, onChunk func(n int64)) *relay {
	r := &relay{
		src:     src,
		dst:     dst,
		onChunk: onChunk,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *relay) run() {
	defer close(r.done)

	buf := getBuffer()
	defer putBuffer(buf)

	for {
		n, err := r.src.Read(*buf)
		if n > 0 {
			if _, werr := r.dst.Write((*buf)[:n]); werr != nil {
				logger.Trace("Relay write to client failed: %v", werr)
				break
			}
			if r.onChunk != nil {
				r.onChunk(int64(n))
			}
		}
		if err != nil {
			break
		}
	}

	if r.detached.Load() {
		return
	}
	_ = r.src.Close()
	_ = r.dst.Close()
}

// detach makes the relay leave both connections open when it ends.
func (r *relay) detach() {
	r.detached.Store(true)
}

// stop detaches the relay, closes the upstream side and waits for the
// goroutine to exit. It is safe to call more than once.
func (r *relay) stop() {
	r.stopOnce.Do(func() {
		r.detach()
		_ = r.src.Close()
	})
	r.wait()
}

func (r *relay) wait() {
	<-r.done
}
