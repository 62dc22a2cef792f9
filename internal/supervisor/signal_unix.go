//go:build unix

package supervisor

import (
	"errors"
	"syscall"
)

// signalGroup sends sig to every process in the group led by pid.
// A group that is already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
