//go:build linux

package grabber

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os/exec"
	"strconv"
)

// linuxGrabber shells out to ImageMagick's "import" tool against the
// given screen's root window — no pack library wraps X11 framebuffer
// capture, so this follows the same external-tool-plus-narrow-interface
// shape as the window probe.
type linuxGrabber struct{}

// New returns the platform Grabber for the current OS.
func New() Grabber {
	return &linuxGrabber{}
}

func (linuxGrabber) Grab(ctx context.Context, screenID int) (image.Image, error) {
	cmd := exec.CommandContext(ctx, "import", "-window", "root", "-screen",
		strconv.Itoa(screenID), "png:-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("import screen %d: %w", screenID, err)
	}
	img, _, err := image.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("decode screen %d capture: %w", screenID, err)
	}
	return img, nil
}
