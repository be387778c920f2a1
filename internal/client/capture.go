package client

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/audio"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/protocol"
)

// captureLoop reads fixed-duration chunks from the source, converts them to
// the relay format and feeds the segmenter until the source ends or a drain
// is requested. Its last act is flushing the segmenter and sending the drain
// signal.
func (c *Client) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	src := c.cfg.Source.Format()
	buf := make([]byte, src.ChunkBytes(c.cfg.ChunkDuration))

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case <-c.drainCh:
			c.finishCapture()
			return
		default:
		}

		n, err := io.ReadFull(c.cfg.Source, buf)
		frameBytes := src.Channels * entities.BytesPerSample
		if usable := n - n%frameBytes; usable > 0 {
			pcm, cerr := c.toRelayFormat(buf[:usable], src)
			if cerr != nil {
				c.logger.Error("Capture conversion failed", zap.Error(cerr))
				c.finishCapture()
				return
			}
			c.segmenter.Process(entities.AudioChunk{PCM: pcm})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.logger.Warn("Capture source failed", zap.Error(err))
			}
			c.finishCapture()
			return
		}
	}
}

// toRelayFormat converts one capture chunk to the relay's PCM layout. The
// result never aliases the read buffer, which is reused across chunks.
func (c *Client) toRelayFormat(pcm []byte, src entities.AudioFormat) ([]byte, error) {
	var err error
	if src.Channels == 2 {
		pcm, err = audio.DownmixStereo(pcm)
		if err != nil {
			return nil, err
		}
	}
	if src.SampleRate != c.cfg.Format.SampleRate {
		return audio.Resample(pcm, src.SampleRate, c.cfg.Format.SampleRate)
	}
	if src.Channels == 2 {
		return pcm, nil
	}
	return append([]byte(nil), pcm...), nil
}

// finishCapture flushes the segmenter and queues the drain signal after
// whatever boundaries the flush produced.
func (c *Client) finishCapture() {
	c.Drain()
	c.segmenter.Flush()
	c.transition(entities.SessionStateDraining)
	c.enqueueControl(protocol.Drain(c.cfg.SessionID))
	c.logger.Info("Capture finished, draining session")
}

// frameSink adapts segmenter callbacks into wire frames. Callbacks arrive on
// the capture goroutine, which is the outbox's only producer.
type frameSink Client

func (f *frameSink) OnBoundary(b entities.BoundaryType, id entities.UtteranceID, _ uint64) {
	c := (*Client)(f)
	c.enqueueControl(protocol.Boundary(c.cfg.SessionID, b, id))
}

func (f *frameSink) OnChunk(_ entities.UtteranceID, chunk entities.AudioChunk) {
	c := (*Client)(f)
	seq := c.seq
	c.seq++
	c.enqueueChunk(protocol.AudioData(c.cfg.SessionID, seq, chunk.PCM))
}

// enqueueChunk queues an audio frame, dropping it when the outbox is nearly
// full. The headroom keeps boundary and drain frames deliverable under a
// backlog; the server tolerates the resulting sequence gap.
func (c *Client) enqueueChunk(frame protocol.Frame) {
	if len(c.outbox) >= cap(c.outbox)-controlHeadroom {
		c.logger.Warn("Outbox full, dropping audio chunk",
			zap.Uint64("sequence", frame.Sequence))
		return
	}
	c.outbox <- frame
}

// enqueueControl queues a frame that must not be dropped, waiting for space
// if necessary.
func (c *Client) enqueueControl(frame protocol.Frame) {
	select {
	case c.outbox <- frame:
	case <-c.stopped:
	}
}
