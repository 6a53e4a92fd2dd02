package client

import "sync"

// recvBufPool supplies the reader task's scratch recvmsg/oob buffers,
// size-bucketed to avoid an allocation on every inbound datagram. Most
// requests fit in a page, and the ancillary (fd) buffer rarely carries
// more than a handful of descriptors.
const (
	bufSize4k  = 4 * 1024
	bufSize16k = 16 * 1024
	bufSize64k = 64 * 1024
)

var recvBufPool = struct {
	p4k, p16k, p64k sync.Pool
}{
	p4k:  sync.Pool{New: func() any { b := make([]byte, bufSize4k); return &b }},
	p16k: sync.Pool{New: func() any { b := make([]byte, bufSize16k); return &b }},
	p64k: sync.Pool{New: func() any { b := make([]byte, bufSize64k); return &b }},
}

// getRecvBuf returns a buffer of at least size bytes, sliced to size.
func getRecvBuf(size int) []byte {
	switch {
	case size <= bufSize4k:
		return (*recvBufPool.p4k.Get().(*[]byte))[:size]
	case size <= bufSize16k:
		return (*recvBufPool.p16k.Get().(*[]byte))[:size]
	default:
		return (*recvBufPool.p64k.Get().(*[]byte))[:size]
	}
}

// putRecvBuf returns buf to the pool matching its capacity. Buffers with
// a non-standard capacity (never produced by getRecvBuf) are dropped.
func putRecvBuf(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case bufSize4k:
		recvBufPool.p4k.Put(&buf)
	case bufSize16k:
		recvBufPool.p16k.Put(&buf)
	case bufSize64k:
		recvBufPool.p64k.Put(&buf)
	}
}
