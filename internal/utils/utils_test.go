package utils

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	img, format, err := DecodeImage(encodePNG(t, 4, 3))
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if format != "png" {
		t.Errorf("Expected png, got %s", format)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Errorf("Unexpected bounds %v", b)
	}

	if _, _, err := DecodeImage([]byte("not an image")); !errors.Is(err, ErrNotAnImage) {
		t.Errorf("Expected ErrNotAnImage, got %v", err)
	}
	if _, _, err := DecodeImage(nil); !errors.Is(err, ErrNotAnImage) {
		t.Errorf("Expected ErrNotAnImage for empty input, got %v", err)
	}
}

// hugePNGHeader returns a 1x1 PNG whose IHDR claims width x height.
func hugePNGHeader(t *testing.T, width, height uint32) []byte {
	t.Helper()
	data := encodePNG(t, 1, 1)
	// Signature (8) + length (4), then "IHDR" and 13 bytes of header data.
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodeImageRejectsOversizedHeader(t *testing.T) {
	_, _, err := DecodeImage(hugePNGHeader(t, 2000000, 2000000))
	if !errors.Is(err, ErrImageTooLarge) || !errors.Is(err, ErrNotAnImage) {
		t.Errorf("Expected ErrImageTooLarge wrapped in ErrNotAnImage, got %v", err)
	}
}

func TestCheckDimensions(t *testing.T) {
	tests := []struct {
		w, h    int
		wantErr bool
	}{
		{640, 480, false},
		{MaxImageDimension, 1, false},
		{MaxImageDimension + 1, 1, true},
		{1, 2000000, true},
		{MaxImageDimension, MaxImageDimension, true},
	}
	for _, tt := range tests {
		if err := CheckDimensions(tt.w, tt.h); (err != nil) != tt.wantErr {
			t.Errorf("CheckDimensions(%d, %d) error = %v, wantErr %v", tt.w, tt.h, err, tt.wantErr)
		}
	}
}

func TestReadImageFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "face.png")
	if err := os.WriteFile(path, encodePNG(t, 2, 2), 0644); err != nil {
		t.Fatal(err)
	}

	data, img, err := ReadImageFile(path)
	if err != nil || len(data) == 0 || img == nil {
		t.Fatalf("ReadImageFile failed: %v", err)
	}

	if _, _, err := ReadImageFile(dir); err == nil {
		t.Error("Expected error for directory input")
	}
	if _, _, err := ReadImageFile(filepath.Join(dir, "missing.png")); !os.IsNotExist(err) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestImageID(t *testing.T) {
	a := ImageID([]byte("image one"))
	if a != ImageID([]byte("image one")) {
		t.Error("Hash is not deterministic")
	}
	if a == ImageID([]byte("image two")) {
		t.Error("Hash did not change with content")
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if got := cmd.Stderr.String(); got != "boom\n" {
		t.Errorf("Expected captured stderr %q, got %q", "boom\n", got)
	}
}
