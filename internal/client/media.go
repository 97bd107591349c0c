package client

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dialdesk/dialdesk/internal/domain"
)

// ErrMediaAcquisition wraps device permission or hardware failures.
var ErrMediaAcquisition = errors.New("client: media acquisition failed")

// MediaProvider captures local tracks for a call. In the browser build
// this is getUserMedia; test and headless builds inject their own.
type MediaProvider interface {
	Acquire(ctx context.Context, media domain.Media) ([]webrtc.TrackLocal, error)
}

// StaticMediaProvider hands out pre-built tracks, e.g. sample tracks fed
// by an external capture pipeline.
type StaticMediaProvider struct {
	Tracks []webrtc.TrackLocal
}

func (p StaticMediaProvider) Acquire(_ context.Context, _ domain.Media) ([]webrtc.TrackLocal, error) {
	return p.Tracks, nil
}
