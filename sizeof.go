package threadpool

const (
	// sizeOfCacheLine is the size of a CPU cache line.
	// 64 bytes is standard for x86-64, 128 for Apple Silicon and other ARM64.
	// The larger value satisfies both.
	sizeOfCacheLine = 128
)
