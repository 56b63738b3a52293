//go:build windows

package windowprobe

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsProber uses the Win32 API directly via golang.org/x/sys/windows
// rather than shelling out, matching the pack's preference for direct
// syscalls over external tool invocation on Windows.
type windowsProber struct {
	user32                      *windows.LazyDLL
	procGetForegroundWindow      *windows.LazyProc
	procGetWindowTextW           *windows.LazyProc
	procGetWindowThreadProcessId *windows.LazyProc
}

// New returns the platform Prober for the current OS.
func New() Prober {
	user32 := windows.NewLazySystemDLL("user32.dll")
	return &windowsProber{
		user32:                       user32,
		procGetForegroundWindow:      user32.NewProc("GetForegroundWindow"),
		procGetWindowTextW:           user32.NewProc("GetWindowTextW"),
		procGetWindowThreadProcessId: user32.NewProc("GetWindowThreadProcessId"),
	}
}

func (p *windowsProber) Active(ctx context.Context) (string, string, int, error) {
	hwnd, _, _ := p.procGetForegroundWindow.Call()
	if hwnd == 0 {
		return "unknown_app", "unknown_window", 0, fmt.Errorf("windowprobe: no foreground window")
	}

	buf := make([]uint16, 512)
	p.procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	title := syscall.UTF16ToString(buf)

	var pid uint32
	p.procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	app := processNameFromPID(pid)

	return app, title, 1, nil
}

func processNameFromPID(pid uint32) string {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "unknown_app"
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "unknown_app"
	}
	full := syscall.UTF16ToString(buf[:size])
	return strings.TrimSuffix(filepath.Base(full), filepath.Ext(full))
}
