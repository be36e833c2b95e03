//go:build windows

package gpu

import "golang.org/x/sys/windows"

// FreeDiskMB returns the space available to the caller on the volume
// holding path.
func FreeDiskMB(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return 0, err
	}
	return int64(avail >> 20), nil
}
