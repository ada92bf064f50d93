// Package ingest feeds crowd report submissions from message brokers and
// files into the engine.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"crowdease/internal/engine"
	"crowdease/internal/model"
)

// Submitter accepts one submission from a channel.
type Submitter interface {
	Submit(ctx context.Context, sub model.Submission, ch model.Channel) (model.CrowdReport, error)
}

// Envelope is a submission in flight together with the channel it came from.
type Envelope struct {
	Submission model.Submission
	Channel    model.Channel
}

func SendNonBlocking(ctx context.Context, out chan<- Envelope, env Envelope, logger *slog.Logger) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("submission channel full, dropping submission", "store_id", env.Submission.StoreID, "channel", env.Channel.Name)
		}
		return false
	}
}

// Dispatch submits every envelope read from in until ctx is done or in is
// closed.
func Dispatch(ctx context.Context, in <-chan Envelope, s Submitter, logger *slog.Logger) {
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return
			}
			submit(ctx, s, env, logger)
		case <-ctx.Done():
			return
		}
	}
}

func submit(ctx context.Context, s Submitter, env Envelope, logger *slog.Logger) error {
	_, err := s.Submit(ctx, env.Submission, env.Channel)
	if err == nil || logger == nil {
		return err
	}
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		logger.Warn("submission rejected", "channel", env.Channel.Name, "store_id", env.Submission.StoreID, "category", ve.Category, "field", ve.Field)
	case errors.Is(err, engine.ErrDuplicate):
		logger.Debug("duplicate submission ignored", "channel", env.Channel.Name, "store_id", env.Submission.StoreID)
	case errors.Is(err, model.ErrCooldown):
		logger.Debug("submission in cooldown", "channel", env.Channel.Name, "store_id", env.Submission.StoreID)
	default:
		logger.Error("submission failed", "channel", env.Channel.Name, "store_id", env.Submission.StoreID, "err", err)
	}
	return err
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
