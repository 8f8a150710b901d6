package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/gate"
	"github.com/loqalabs/loqa-narrator/internal/model"
	"github.com/loqalabs/loqa-narrator/internal/store"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// errStale marks a task whose sentence was moved on by someone else, usually a
// restart. The task is dropped without backoff.
var errStale = errors.New("stale task")

// errEmptyResult marks a backend answer with nothing usable in it.
var errEmptyResult = errors.New("empty result")

func (p *Pipeline) runAttribution(ctx context.Context, log *slog.Logger) {
	for {
		task, err := p.attribution.Dequeue(ctx)
		if err != nil {
			return
		}
		p.handle(ctx, log, model.StageAttribution, task.SentenceID, p.attribute(ctx, task))
	}
}

func (p *Pipeline) runStress(ctx context.Context, log *slog.Logger) {
	for {
		task, err := p.stress.Dequeue(ctx)
		if err != nil {
			return
		}
		p.handle(ctx, log, model.StageStress, task.SentenceID, p.annotate(ctx, task))
	}
}

func (p *Pipeline) runSynthesis(ctx context.Context, log *slog.Logger) {
	for {
		task, err := p.synthesis.Dequeue(ctx)
		if err != nil {
			return
		}
		p.handle(ctx, log, model.StageSynthesis, task.SentenceID, p.synthesize(ctx, task))
	}
}

// handle records the outcome of one task. Failures leave the sentence where it
// is and pause the worker before it takes the next task.
func (p *Pipeline) handle(ctx context.Context, log *slog.Logger, stage model.Stage, sentenceID int64, err error) {
	switch {
	case err == nil:
		p.metrics.completed(ctx, stage)
	case errors.Is(err, errStale):
		log.Debug("dropped stale task", slog.Int64("sentence_id", sentenceID), slogError(err))
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Info("task interrupted by shutdown", slog.Int64("sentence_id", sentenceID))
	default:
		p.metrics.failed(ctx, stage)
		log.Warn("stage task failed", slog.Int64("sentence_id", sentenceID), slogError(err))
		p.sleep(ctx, time.Duration(p.cfg.FailureBackoffMS)*time.Millisecond)
	}
}

func (p *Pipeline) attribute(ctx context.Context, task model.AttributionTask) error {
	sen, gen, err := p.claim(ctx, task.SentenceID, model.StageAttribution)
	if err != nil {
		return err
	}
	name, err := call(ctx, p, p.llmGate, model.StageAttribution, p.cfg.AttributionTimeout, func(ctx context.Context) (string, error) {
		name, err := p.resolver.ResolveSpeaker(ctx, task.Text, task.KnownSpeakers)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(name) == "" {
			return "", fmt.Errorf("speaker: %w", errEmptyResult)
		}
		return strings.TrimSpace(name), nil
	})
	if err != nil {
		return p.release(ctx, sen, gen, err, func() error { return p.attribution.Requeue(task) })
	}

	// results are persisted even if shutdown started meanwhile
	pctx := context.WithoutCancel(ctx)
	char, err := p.store.FindOrCreateCharacter(pctx, sen.BookID, name)
	if err != nil {
		return fmt.Errorf("find or create speaker %q: %w", name, err)
	}
	sen.CharacterID = &char.ID
	sen.Status = model.StatusWaitingForStress
	return p.commit(pctx, sen, model.StatusDeterminingCharacter, gen, "speaker "+char.Name, func() error {
		return p.stress.Enqueue(model.StressTask{SentenceID: sen.ID, Text: sen.Text})
	})
}

func (p *Pipeline) annotate(ctx context.Context, task model.StressTask) error {
	sen, gen, err := p.claim(ctx, task.SentenceID, model.StageStress)
	if err != nil {
		return err
	}
	stressed, err := call(ctx, p, p.llmGate, model.StageStress, p.cfg.StressTimeout, func(ctx context.Context) (string, error) {
		out, err := p.annotator.Annotate(ctx, task.Text)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", fmt.Errorf("stressed text: %w", errEmptyResult)
		}
		return out, nil
	})
	if err != nil {
		return p.release(ctx, sen, gen, err, func() error { return p.stress.Requeue(task) })
	}

	pctx := context.WithoutCancel(ctx)
	sen.StressedText = stressed
	sen.Status = model.StatusWaitingForTTS
	next, err := p.synthesisTask(pctx, sen, nil)
	if err != nil {
		return err
	}
	return p.commit(pctx, sen, model.StatusSettingStress, gen, "stressed", func() error {
		return p.synthesis.Enqueue(next)
	})
}

func (p *Pipeline) synthesize(ctx context.Context, task model.SynthesisTask) error {
	sen, gen, err := p.claim(ctx, task.SentenceID, model.StageSynthesis)
	if err != nil {
		return err
	}
	req := tts.SynthRequest{Text: task.Text, Voice: task.VoiceID, Format: p.audio.Format()}
	data, err := call(ctx, p, p.ttsGate, model.StageSynthesis, p.cfg.SynthesisTimeout, func(ctx context.Context) ([]byte, error) {
		return tts.Collect(ctx, p.synth, req)
	})
	if err != nil {
		return p.release(ctx, sen, gen, err, func() error { return p.synthesis.Requeue(task) })
	}
	if err := p.audio.Write(task.OutputPath, data); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}

	sen.AudioPath = task.OutputPath
	sen.Status = model.StatusReady
	return p.commit(context.WithoutCancel(ctx), sen, model.StatusGeneratingTTS, gen, "audio "+task.OutputPath, nil)
}

// claim moves a queued sentence into the stage's claimed status. It returns the
// restart generation observed at claim time.
func (p *Pipeline) claim(ctx context.Context, id int64, stage model.Stage) (model.Sentence, uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sen, err := p.store.GetSentence(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Sentence{}, 0, fmt.Errorf("sentence %d deleted: %w", id, errStale)
	}
	if err != nil {
		return model.Sentence{}, 0, fmt.Errorf("load sentence: %w", err)
	}
	waiting := stage.Waiting()
	if sen.Status != waiting {
		return model.Sentence{}, 0, fmt.Errorf("sentence %d is %s: %w", id, sen.Status, errStale)
	}
	sen.Status = stage.Claimed()
	if err := p.store.SaveSentence(ctx, sen, waiting, "claimed"); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return model.Sentence{}, 0, fmt.Errorf("claim sentence %d: %w", id, errStale)
		}
		return model.Sentence{}, 0, fmt.Errorf("claim sentence %d: %w", id, err)
	}
	p.notify(ctx, sen, waiting, "claimed")
	return sen, p.generation(id), nil
}

// commit persists a stage result and hands the sentence to the next queue,
// unless a restart happened since the claim.
func (p *Pipeline) commit(ctx context.Context, sen model.Sentence, expect model.Status, gen uint64, reason string, next func() error) error {
	if !model.CanTransition(expect, sen.Status) {
		return fmt.Errorf("illegal transition %s -> %s", expect, sen.Status)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.generation(sen.ID) != gen {
		return fmt.Errorf("sentence %d restarted during call: %w", sen.ID, errStale)
	}
	if err := p.store.SaveSentence(ctx, sen, expect, reason); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("save sentence %d: %w", sen.ID, errStale)
		}
		return fmt.Errorf("save sentence %d: %w", sen.ID, err)
	}
	p.notify(ctx, sen, expect, reason)
	if sen.Status == model.StatusReady {
		p.forget(sen.ID)
	}
	if next == nil {
		return nil
	}
	if err := next(); err != nil {
		return fmt.Errorf("enqueue next stage of sentence %d: %w", sen.ID, err)
	}
	return nil
}

// release undoes a claim whose backend call was cut short by shutdown. The
// sentence returns to its waiting status and the task to the head of its
// queue, so a later Start picks it up. Any other cause is returned unchanged.
func (p *Pipeline) release(ctx context.Context, sen model.Sentence, gen uint64, cause error, requeue func() error) error {
	if ctx.Err() == nil || !errors.Is(cause, ctx.Err()) {
		return cause
	}
	pctx := context.WithoutCancel(ctx)
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.generation(sen.ID) != gen {
		return cause
	}
	claimed := sen.Status
	sen.Status = claimed.Stage().Waiting()
	if err := p.store.SaveSentence(pctx, sen, claimed, "released on shutdown"); err != nil {
		return errors.Join(cause, fmt.Errorf("release sentence %d: %w", sen.ID, err))
	}
	p.notify(pctx, sen, claimed, "released on shutdown")
	if err := requeue(); err != nil {
		return errors.Join(cause, fmt.Errorf("requeue sentence %d: %w", sen.ID, err))
	}
	return cause
}

// call runs fn under g. Every attempt holds the gate only for the duration of
// the backend call. The call itself does not observe shutdown; it is bounded by
// timeoutMS instead.
func call[T any](ctx context.Context, p *Pipeline, g *gate.Gate, stage model.Stage, timeoutMS int, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	op := func() (T, error) {
		var zero T
		if err := g.Acquire(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		defer g.Release()

		callCtx := context.WithoutCancel(ctx)
		if timeoutMS > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, time.Duration(timeoutMS)*time.Millisecond)
			defer cancel()
		}
		callCtx, span := p.tracer.Start(callCtx, stage.String()+".call",
			trace.WithAttributes(attribute.String("gate", g.Name())))
		defer span.End()

		start := time.Now()
		out, err := fn(callCtx)
		p.metrics.observeCall(ctx, stage, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return zero, err
		}
		return out, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Duration(p.cfg.RetryBackoffMS)*time.Millisecond)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Info("retrying backend call",
				slog.String("stage", stage.String()),
				slog.Duration("after", next),
				slogError(err))
		}),
	)
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
