//go:build debug
// +build debug

package malloc

var poolblkinit = make([]byte, 1024)

func init() {
	for i := 0; i < len(poolblkinit); i++ {
		poolblkinit[i] = 0xA5
	}
}

// initblock fill new allocations with a recognisable pattern in debug
// builds, reads of uninitialized memory show up as 0xA5.
func initblock(block []byte) {
	for len(block) > 0 {
		n := copy(block, poolblkinit)
		block = block[n:]
	}
}
