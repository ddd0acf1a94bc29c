package filestore

import (
	"errors"
	"os"
	"strings"
	"syscall"
)

// transientErrnos are OS errors that usually clear on their own: another
// process holding the file, a permission flip during an antivirus or backup
// scan, or momentary disk pressure.
var transientErrnos = []error{
	syscall.EBUSY,
	syscall.EAGAIN,
	syscall.EACCES,
	syscall.EPERM,
	syscall.ENOSPC,
	syscall.ETXTBSY,
	syscall.EINTR,
}

// transientPatterns cover platforms whose errors do not map to errnos
// (Windows sharing violations in particular).
var transientPatterns = []string{
	"being used by another process",
	"sharing violation",
	"resource temporarily unavailable",
	"device or resource busy",
	"no space left on device",
	"access is denied",
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
