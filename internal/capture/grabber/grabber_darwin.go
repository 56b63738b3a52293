//go:build darwin

package grabber

import (
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"os/exec"
	"strconv"
)

// darwinGrabber shells out to the built-in screencapture tool, writing
// to a temp file (screencapture has no stdout-PNG mode for a specific
// display index) and decoding it back in-memory.
type darwinGrabber struct{}

// New returns the platform Grabber for the current OS.
func New() Grabber {
	return &darwinGrabber{}
}

func (darwinGrabber) Grab(ctx context.Context, screenID int) (image.Image, error) {
	f, err := os.CreateTemp("", "lifetrace-capture-*.png")
	if err != nil {
		return nil, fmt.Errorf("create capture temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	cmd := exec.CommandContext(ctx, "screencapture", "-x", "-D", strconv.Itoa(max(screenID, 1)), path)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("screencapture screen %d: %w", screenID, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open captured file: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode screen %d capture: %w", screenID, err)
	}
	return img, nil
}
