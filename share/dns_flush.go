package ppshare

import (
	"fmt"
	"os/exec"
	"runtime"
)

// flushDNSCache asks the OS to drop its DNS cache so freshly installed
// hosts-file mappings take effect immediately. Strictly best-effort: a
// missing tool or a non-zero exit is reported to the caller, which logs it
// and moves on. Never retried.
func flushDNSCache(logger *Logger) error {
	var cmds [][]string
	switch runtime.GOOS {
	case "darwin":
		cmds = [][]string{
			{"dscacheutil", "-flushcache"},
			{"killall", "-HUP", "mDNSResponder"},
		}
	case "linux":
		cmds = [][]string{{"resolvectl", "flush-caches"}}
	case "windows":
		cmds = [][]string{{"ipconfig", "/flushdns"}}
	default:
		return nil
	}

	for _, argv := range cmds {
		cmd := exec.Command(argv[0], argv[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %w (%s)", argv[0], err, string(out))
		}
		logger.DLogf("flushed DNS cache via %s", argv[0])
	}
	return nil
}
