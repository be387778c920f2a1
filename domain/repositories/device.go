package repositories

import (
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
)

// AudioSource captures 16-bit PCM from a microphone or file
type AudioSource interface {
	// Format reports the PCM layout the source produces.
	Format() entities.AudioFormat
	// Read fills buf with captured samples and returns the byte count.
	// It returns io.EOF once the source is exhausted.
	Read(buf []byte) (int, error)
	// Close releases the underlying stream.
	Close() error
}

// AudioSink plays 16-bit mono PCM on a speaker or file. The relay client
// rejects sinks that are not mono.
type AudioSink interface {
	// Format reports the PCM layout the sink expects. Callers resample
	// before writing when their audio is at a different rate.
	Format() entities.AudioFormat
	// Write blocks until pcm has been handed to the device.
	Write(pcm []byte) error
	// Close flushes buffered audio and releases the stream.
	Close() error
}
