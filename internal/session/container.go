package session

import (
	"errors"
	"image"

	"github.com/andresmejia3/facematch/internal/overlay"
)

// errContainerOccupied means Mount was called without clearing the previous run.
var errContainerOccupied = errors.New("container already holds an image")

// Container is the display slot for one query run: at most one image and one
// canvas laid over it. It is not safe for concurrent use; Session guards it.
type Container struct {
	image  image.Image
	canvas *overlay.Canvas
}

// Clear removes the image and canvas. Clearing an empty container is a no-op.
func (c *Container) Clear() {
	c.image = nil
	c.canvas = nil
}

// Mount places a new image and canvas. The container must be empty.
func (c *Container) Mount(img image.Image, canvas *overlay.Canvas) error {
	if c.image != nil || c.canvas != nil {
		return errContainerOccupied
	}
	c.image = img
	c.canvas = canvas
	return nil
}

// Image returns the mounted image, or nil.
func (c *Container) Image() image.Image { return c.image }

// Canvas returns the mounted canvas, or nil.
func (c *Container) Canvas() *overlay.Canvas { return c.canvas }

// Count returns the number of mounted images and canvases (each 0 or 1).
func (c *Container) Count() (images, canvases int) {
	if c.image != nil {
		images = 1
	}
	if c.canvas != nil {
		canvases = 1
	}
	return images, canvases
}
