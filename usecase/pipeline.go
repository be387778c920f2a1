package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/metrics"
)

// Emitter delivers pipeline results back to the session's connection. The
// write side must not block indefinitely; slow connections are the hub's
// problem, not the pipeline's.
type Emitter interface {
	EmitTranscript(id entities.UtteranceID, text string)
	EmitAudio(id entities.UtteranceID, pcm []byte, sampleRate int, duration time.Duration)
	EmitError(id entities.UtteranceID, kind entities.ErrorKind)
}

// PipelineConfig carries the collaborators and bounds for one session's
// pipeline.
type PipelineConfig struct {
	Transcriber  repositories.Transcriber
	Synthesizer  repositories.Synthesizer
	Translator   repositories.Translator // optional; nil when the transcriber translates
	Emitter      Emitter
	Format       entities.AudioFormat
	StageTimeout time.Duration
	QueueBound   int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Pipeline orchestrates the transcribe-then-synthesize flow for one session.
//
// Ordering is preserved with one stage of overlap: utterance N's synthesis
// runs while N+1 transcribes, but N+1's transcript waits in a single slot
// until N has entered synthesis. Results therefore leave in UtteranceID
// order even though the stages proceed concurrently.
type Pipeline struct {
	session     *entities.Session
	transcriber repositories.Transcriber
	synthesizer repositories.Synthesizer
	translator  repositories.Translator
	emitter     Emitter
	format      entities.AudioFormat
	timeout     time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	queue       chan *entities.PipelineTask
	transcribed chan *entities.PipelineTask
	done        chan struct{}

	mu       sync.Mutex
	draining bool
}

// NewPipeline creates a pipeline for the given session. Call Run to start
// the stage workers.
func NewPipeline(session *entities.Session, cfg PipelineConfig) (*Pipeline, error) {
	if session == nil {
		return nil, errors.New("session cannot be nil")
	}
	if cfg.Transcriber == nil {
		return nil, errors.New("transcriber cannot be nil")
	}
	if cfg.Synthesizer == nil {
		return nil, errors.New("synthesizer cannot be nil")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("emitter cannot be nil")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.StageTimeout <= 0 {
		return nil, errors.New("stage timeout must be positive")
	}
	if cfg.QueueBound < 1 {
		return nil, errors.New("queue bound must be at least 1")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	return &Pipeline{
		session:     session,
		transcriber: cfg.Transcriber,
		synthesizer: cfg.Synthesizer,
		translator:  cfg.Translator,
		emitter:     cfg.Emitter,
		format:      cfg.Format,
		timeout:     cfg.StageTimeout,
		logger:      cfg.Logger.With(zap.String("sessionID", session.ID.String())),
		metrics:     cfg.Metrics,
		queue:       make(chan *entities.PipelineTask, cfg.QueueBound),
		transcribed: make(chan *entities.PipelineTask, 1),
		done:        make(chan struct{}),
	}, nil
}

// Run executes the stage workers until the pipeline is drained or ctx is
// canceled. It blocks; start it in a goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.transcribeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.synthesizeLoop(ctx)
	}()
	wg.Wait()
	close(p.done)
}

// Submit queues a sealed utterance for processing. When the queue is full
// the utterance is rejected immediately with an Error frame: capture must
// continue in real time, so backpressure turns into dropped work here
// rather than blocking upstream.
func (p *Pipeline) Submit(utterance *entities.Utterance) error {
	if utterance == nil || !utterance.Sealed() {
		return errors.New("pipeline accepts only sealed utterances")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return entities.ErrSessionClosed
	}

	task := entities.NewPipelineTask(utterance)
	select {
	case p.queue <- task:
		p.metrics.SetPendingTasks(p.session.PendingCount())
		return nil
	default:
		p.session.SetStage(utterance.ID, entities.TaskStageFailed)
		p.metrics.RecordOverloadRejection()
		p.metrics.RecordTaskOutcome(metrics.OutcomeFailure)
		p.logger.Warn("utterance rejected, queue full",
			zap.Uint64("utteranceID", uint64(utterance.ID)),
			zap.Int("queueBound", cap(p.queue)))
		p.emitter.EmitError(utterance.ID, entities.ErrorKindSessionOverload)
		return entities.ErrSessionOverload
	}
}

// Drain stops intake and lets queued work finish. Done is closed once the
// last task has left the synthesis stage.
func (p *Pipeline) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return
	}
	p.draining = true
	close(p.queue)
}

// Done is closed when both stage workers have exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) transcribeLoop(ctx context.Context) {
	defer close(p.transcribed)

	for {
		var task *entities.PipelineTask
		var ok bool
		select {
		case task, ok = <-p.queue:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		if ctx.Err() != nil {
			p.session.SetStage(task.Utterance.ID, entities.TaskStageFailed)
			continue
		}

		id := task.Utterance.ID
		task.Stage = entities.TaskStageTranscribing
		p.session.SetStage(id, entities.TaskStageTranscribing)

		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, p.timeout)
		result, err := p.transcriber.Transcribe(stageCtx, task.Utterance.PCM(), p.format)
		if err == nil && !result.Translated && p.translator != nil {
			// Translation shares the transcription stage and its deadline.
			var text string
			text, err = p.translator.Translate(stageCtx, result.Text)
			if err == nil {
				result.Text = text
				result.Translated = true
			}
		}
		cancel()
		p.metrics.RecordStageDuration(metrics.StageTranscribe, time.Since(start).Seconds())

		if err != nil {
			p.failTask(task, metrics.StageTranscribe, err)
			continue
		}

		task.Transcript = result.Text
		task.Confidence = result.Confidence
		p.logger.Debug("utterance transcribed",
			zap.Uint64("utteranceID", uint64(id)),
			zap.Float64("confidence", result.Confidence),
			zap.Duration("took", time.Since(start)))
		p.emitter.EmitTranscript(id, result.Text)

		select {
		case p.transcribed <- task:
		case <-ctx.Done():
			p.session.SetStage(id, entities.TaskStageFailed)
			return
		}
	}
}

func (p *Pipeline) synthesizeLoop(ctx context.Context) {
	for {
		var task *entities.PipelineTask
		var ok bool
		select {
		case task, ok = <-p.transcribed:
			if !ok {
				return
			}
		case <-ctx.Done():
			// Drain the handoff slot so the transcribe worker never blocks
			// on it while shutting down.
			for task := range p.transcribed {
				p.session.SetStage(task.Utterance.ID, entities.TaskStageFailed)
			}
			return
		}

		if ctx.Err() != nil {
			p.session.SetStage(task.Utterance.ID, entities.TaskStageFailed)
			continue
		}

		id := task.Utterance.ID
		task.Stage = entities.TaskStageSynthesizing
		p.session.SetStage(id, entities.TaskStageSynthesizing)

		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, p.timeout)
		audio, err := p.synthesizer.Synthesize(stageCtx, task.Transcript)
		cancel()
		p.metrics.RecordStageDuration(metrics.StageSynthesize, time.Since(start).Seconds())

		if err != nil {
			p.failTask(task, metrics.StageSynthesize, err)
			continue
		}

		task.Stage = entities.TaskStageDone
		p.session.SetStage(id, entities.TaskStageDone)
		p.metrics.RecordTaskOutcome(metrics.OutcomeDone)
		p.metrics.SetPendingTasks(p.session.PendingCount())

		outFormat := entities.AudioFormat{SampleRate: audio.SampleRate, Channels: 1}
		duration := outFormat.Duration(len(audio.PCM))
		p.logger.Info("utterance completed",
			zap.Uint64("utteranceID", uint64(id)),
			zap.Duration("audio", duration),
			zap.Duration("sinceSubmit", time.Since(task.SubmittedAt)))
		p.emitter.EmitAudio(id, audio.PCM, audio.SampleRate, duration)
	}
}

// failTask marks one utterance failed and tells the client to skip it. The
// pipeline moves on to the next utterance; failures are never retried.
func (p *Pipeline) failTask(task *entities.PipelineTask, stage string, err error) {
	id := task.Utterance.ID
	task.Fail(err)
	p.session.SetStage(id, entities.TaskStageFailed)

	// A canceled stage means the session is going away; the result would
	// be discarded, so there is no one to notify.
	if errors.Is(err, context.Canceled) {
		return
	}
	kind := entities.KindOf(err)

	outcome := metrics.OutcomeFailure
	if kind == entities.ErrorKindStageTimeout {
		outcome = metrics.OutcomeTimeout
	}
	p.metrics.RecordTaskOutcome(outcome)
	p.metrics.SetPendingTasks(p.session.PendingCount())

	p.logger.Warn("stage failed",
		zap.String("stage", stage),
		zap.Uint64("utteranceID", uint64(id)),
		zap.String("kind", kind.String()),
		zap.Error(err))
	p.emitter.EmitError(id, kind)
}
