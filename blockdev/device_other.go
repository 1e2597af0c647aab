//go:build !linux

package blockdev

import (
	"fmt"
	"os"
)

func blockDeviceSize(f *os.File) (int64, error) {
	return 0, fmt.Errorf("block device sizing is not supported on this platform")
}
