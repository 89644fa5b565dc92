package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/facematch/internal/types"
	"go.uber.org/zap"
)

// Source is the detector being cached.
type Source interface {
	DetectAll(ctx context.Context, img []byte) ([]types.Candidate, error)
}

// Detector caches detection results keyed by the detector namespace and the
// SHA-1 of the image bytes. Cache failures are logged and bypassed.
type Detector struct {
	next      Source
	cache     Cache
	ttl       time.Duration
	namespace string
	logger    *zap.Logger
}

// NewDetector wraps next with a cache. namespace separates entries produced by
// different detector configurations; see Namespace.
func NewDetector(next Source, c Cache, ttl time.Duration, namespace string, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{next: next, cache: c, ttl: ttl, namespace: namespace, logger: logger.Named("descriptor_cache")}
}

// Namespace identifies the detector configuration behind cached faces. The
// script contents are hashed when readable, so swapping the model changes it.
func Namespace(script string, detectionThreshold float64) string {
	h := sha1.New()
	if data, err := os.ReadFile(script); err == nil {
		h.Write(data)
	}
	fmt.Fprintf(h, "\x00%s\x00%s", script, strconv.FormatFloat(detectionThreshold, 'g', -1, 64))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Key returns the cache key for an image under a namespace.
func Key(namespace string, img []byte) string {
	sum := sha1.Sum(img)
	return "facematch:faces:" + namespace + ":" + hex.EncodeToString(sum[:])
}

// DetectAll returns cached candidates or runs the wrapped detector.
func (d *Detector) DetectAll(ctx context.Context, img []byte) ([]types.Candidate, error) {
	key := Key(d.namespace, img)

	raw, err := d.cache.Get(ctx, key)
	switch {
	case err == nil:
		var faces []types.Candidate
		jerr := json.Unmarshal(raw, &faces)
		if jerr == nil {
			d.logger.Debug("cache hit", zap.String("key", key), zap.Int("faces", len(faces)))
			return faces, nil
		}
		d.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(jerr))
	case errors.Is(err, ErrMiss):
		d.logger.Debug("cache miss", zap.String("key", key))
	default:
		d.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	faces, err := d.next.DetectAll(ctx, img)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(faces); err == nil {
		if err := d.cache.Set(ctx, key, payload, d.ttl); err != nil {
			d.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return faces, nil
}

// DetectSingle returns the primary face of the image, or nil if there is none.
func (d *Detector) DetectSingle(ctx context.Context, img []byte) (*types.Candidate, error) {
	faces, err := d.DetectAll(ctx, img)
	if err != nil {
		return nil, err
	}
	return types.Primary(faces), nil
}
