// Package grabber captures a still frame from a given screen (spec §4.5
// step 2). Each OS gets its own implementation behind a build tag, the
// same split used by internal/windowprobe for active-window queries.
package grabber

import (
	"context"
	"image"
)

// Grabber captures the current contents of one screen.
type Grabber interface {
	Grab(ctx context.Context, screenID int) (image.Image, error)
}
