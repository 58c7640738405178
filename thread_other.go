//go:build !linux

package threadpool

func setThreadAffinity(int) error {
	return unsupported("cpu affinity")
}

// setThreadName is a no-op, naming another platform's threads needs cgo.
func setThreadName(string) error {
	return nil
}
