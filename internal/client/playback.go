package client

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/audio"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/jitter"
)

// playbackLoop pulls ordered items from the jitter buffer and writes them to
// the sink, resampling when the synthesis rate differs from the device rate.
// It returns once the buffer is closed and drained.
func (c *Client) playbackLoop(ctx context.Context) error {
	sink := c.cfg.Sink.Format()

	for {
		item, err := c.buffer.Next(ctx)
		if err != nil {
			if errors.Is(err, jitter.ErrClosed) {
				return nil
			}
			return err
		}

		switch item.Kind {
		case jitter.ItemSkip:
			c.metrics.RecordPlaybackSkip()
		case jitter.ItemSilence:
			c.metrics.RecordPlaybackUnderrun()
		}
		if len(item.PCM) == 0 {
			continue
		}

		pcm := item.PCM
		if int(item.SampleRate) != sink.SampleRate {
			pcm, err = audio.Resample(pcm, int(item.SampleRate), sink.SampleRate)
			if err != nil {
				c.logger.Error("Playback resample failed",
					zap.Uint64("utteranceID", uint64(item.Utterance)),
					zap.Uint32("sampleRate", item.SampleRate),
					zap.Error(err))
				continue
			}
		}
		if err := c.cfg.Sink.Write(pcm); err != nil {
			c.logger.Error("Playback write failed", zap.Error(err))
			return err
		}
	}
}
