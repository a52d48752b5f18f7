package h2

import (
	"math"
	"sync"
)

var bodyWriteBuf = (&bufPool{}).init(
	[]int{
		1024,
		1024 * 16, // default max frame size
		1024 * 512},
	[]int{
		1024 * 8,
		1024 * 24,
		math.MaxInt},
)

type bufPool struct {
	pools  []sync.Pool
	limits []int
}

func (bp *bufPool) init(sizes, limits []int) *bufPool {
	if len(sizes) != len(limits) {
		panic("buf pool unequal sizes")
	}
	bp.pools = make([]sync.Pool, len(sizes))
	bp.limits = limits
	for i := 0; i < len(sizes); i++ {
		sz := sizes[i]
		bp.pools[i] = sync.Pool{New: func() interface{} {
			b := make([]byte, sz)
			return &b
		}}
	}
	return bp
}

func (bp *bufPool) get(sz int) (*[]byte, int) {
	for i := 0; i < len(bp.limits); i++ {
		if sz <= bp.limits[i] {
			b := bp.pools[i].Get().(*[]byte)
			if sz > len(*b) {
				*b = append(*b, make([]byte, sz-len(*b))...)
			}
			return b, i
		}
	}
	return nil, -1
}

func (bp *bufPool) put(idx int, buf *[]byte) {
	bp.pools[idx].Put(buf)
}
