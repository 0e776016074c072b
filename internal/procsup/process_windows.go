//go:build windows

package procsup

import (
	"os"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code the kernel reports for a running process.
const stillActive = 259

// isProcessAlive asks the kernel for the process's exit code; anything other
// than STILL_ACTIVE means it finished or never existed.
func isProcessAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == stillActive
}

// terminateProcess has no polite signal on Windows; Kill is the only option.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
