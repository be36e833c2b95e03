//go:build !windows

package gpu

import "golang.org/x/sys/unix"

// FreeDiskMB returns the space available to unprivileged users on the
// volume holding path.
func FreeDiskMB(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize) >> 20, nil
}
