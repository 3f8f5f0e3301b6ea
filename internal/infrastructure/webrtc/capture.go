package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

// SilenceSource makes the capture produce Opus silence instead of reading a file.
const SilenceSource = "silence"

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type CaptureConfig struct {
	// Source is an Ogg/Opus file path or SilenceSource.
	Source        string
	Loop          bool
	FrameDuration time.Duration
}

// OggCapture stands in for a microphone: it paces Opus pages from an Ogg
// file, or silence, into a local track.
type OggCapture struct {
	config CaptureConfig
	logger *zap.SugaredLogger
}

func NewOggCapture(config CaptureConfig, logger *zap.SugaredLogger) *OggCapture {
	if config.FrameDuration <= 0 {
		config.FrameDuration = 20 * time.Millisecond
	}
	return &OggCapture{config: config, logger: logger}
}

var _ ports.AudioCapture = (*OggCapture)(nil)

func (c *OggCapture) Acquire(ctx context.Context) (ports.LocalAudio, error) {
	if c.config.Source == "" {
		return nil, fmt.Errorf("%w: no capture source configured", domain.ErrNoMicrophone)
	}
	if c.config.Source != SilenceSource {
		if _, err := os.Stat(c.config.Source); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrNoMicrophone, err)
		}
	}

	id := utils.NewID()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"airwave-"+id,
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	a := &localAudio{
		id:    id,
		track: track,
		done:  make(chan struct{}),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := c.pump(a); err != nil {
			c.logger.Warnw("capture stopped", "source", c.config.Source, "error", err)
		}
	}()

	c.logger.Infow("capture acquired", "source", c.config.Source, "stream_id", id)
	return a, nil
}

func (c *OggCapture) pump(a *localAudio) error {
	ticker := time.NewTicker(c.config.FrameDuration)
	defer ticker.Stop()

	if c.config.Source == SilenceSource {
		for {
			select {
			case <-a.done:
				return nil
			case <-ticker.C:
				if err := a.track.WriteSample(media.Sample{Data: opusSilence, Duration: c.config.FrameDuration}); err != nil {
					return err
				}
			}
		}
	}

	for {
		if err := c.playFile(a, ticker); err != nil {
			return err
		}
		if !c.config.Loop {
			return nil
		}
		select {
		case <-a.done:
			return nil
		default:
		}
	}
}

// playFile writes each Ogg page as one sample, paced by ticker.
func (c *OggCapture) playFile(a *localAudio, ticker *time.Ticker) error {
	f, err := os.Open(c.config.Source)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}

		// Opus granule positions count 48kHz samples.
		duration := c.config.FrameDuration
		if header.GranulePosition > lastGranule && lastGranule > 0 {
			duration = time.Duration(header.GranulePosition-lastGranule) * time.Second / 48000
		}
		lastGranule = header.GranulePosition

		select {
		case <-a.done:
			return nil
		case <-ticker.C:
		}
		if err := a.track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}

type localAudio struct {
	id    string
	track *webrtc.TrackLocalStaticSample
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func (a *localAudio) ID() string { return a.id }

func (a *localAudio) Track() webrtc.TrackLocal { return a.track }

// Stop ends the pump and waits for it, so the source can be reacquired.
func (a *localAudio) Stop() error {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
	return nil
}
