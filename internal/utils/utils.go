package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"

	// Registered decoders: the detector accepts any of these, so we must too.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps Python logs if a SafeCommand is provided.
// Unlike the old Die helper it does not exit; commands return the error from RunE.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEMATCH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Image helpers ---

// Limits on decoded and displayed images. An RGBA bitmap at MaxImagePixels is 256 MiB.
const (
	MaxImageDimension = 16384
	MaxImagePixels    = 1 << 26
)

var (
	// ErrNotAnImage is returned when uploaded bytes cannot be decoded as a bitmap.
	ErrNotAnImage = errors.New("unsupported or corrupt image")
	// ErrImageTooLarge is returned for dimensions beyond MaxImageDimension or MaxImagePixels.
	ErrImageTooLarge = errors.New("image dimensions exceed limit")
)

// CheckDimensions rejects sizes that would allocate an oversized bitmap.
func CheckDimensions(width, height int) error {
	if width > MaxImageDimension || height > MaxImageDimension || width*height > MaxImagePixels {
		return fmt.Errorf("%w: %dx%d (max %dx%d, %d pixels)", ErrImageTooLarge, width, height, MaxImageDimension, MaxImageDimension, MaxImagePixels)
	}
	return nil
}

// DecodeImage decodes any registered bitmap format (jpeg, png, gif, bmp, webp).
// The header is checked against the size limits before any pixels are decoded.
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrNotAnImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}
	if err := CheckDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrNotAnImage, err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}
	return img, format, nil
}

// ReadImageFile reads an image from disk and verifies that it decodes.
func ReadImageFile(path string) ([]byte, image.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%s is a directory, expected an image file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	img, _, err := DecodeImage(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, img, nil
}

// ImageID returns a deterministic content hash for image bytes.
func ImageID(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
