package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/memoh-wecom/internal/conversation"
	"github.com/memohai/memoh-wecom/internal/lock"
	"github.com/memohai/memoh-wecom/internal/model"
	"github.com/memohai/memoh-wecom/internal/stream"
	"github.com/memohai/memoh-wecom/internal/wecom"
)

// runTurn produces the reply for one accepted message. It owns h and
// releases it on return.
func (g *Gateway) runTurn(h *lock.Handle, in *wecom.Inbound, scope conversation.ScopeDecision, streamID string) {
	defer g.session.Locks.Release(h)
	ctx := h.Context()
	log := g.logger.With(
		slog.String("msg_id", in.MsgID),
		slog.String("scope", scope.Conversation),
		slog.String("stream_id", streamID),
	)

	quote := g.materializeQuote(ctx, in)
	input := g.normalize(ctx, in)
	if input.kind == inputUnsupported {
		g.finish(log, streamID, stream.Outcome{Content: unsupportedText})
		return
	}

	if err := g.session.Streams.SetProgress(streamID, progressText); err != nil {
		log.Debug("stream closed before model call", slog.Any("error", err))
		return
	}
	composed := conversation.Compose(conversation.TurnInput{
		Scope:      scope,
		ChatType:   in.ChatType,
		ChatID:     in.ChatID,
		AIBotID:    in.AIBotID,
		SenderID:   in.SenderUserID,
		MsgID:      in.MsgID,
		Quote:      quote,
		Normalized: input.text,
	}, g.session.History.Snapshot(scope.Conversation))

	reply, err := g.callModel(ctx, streamID, model.TurnRequest{
		Scope:    scope.Conversation,
		Prompt:   composed.Prompt,
		Context:  composed.Context,
		ChatType: in.ChatType,
		SenderID: in.SenderUserID,
		MsgID:    in.MsgID,
	})
	if ctx.Err() != nil {
		log.Info("wecom turn aborted")
		g.closeAborted(log, streamID)
		return
	}
	outcome := stream.Outcome{Reason: stream.ReasonCompleted}
	if err != nil {
		log.Error("model turn failed", slog.Any("error", err))
		outcome.Reason = stream.ReasonError
		reply = modelFailedText
	}
	cleaned, paths := wecom.ParseImageMarkers(reply)
	outcome.Content = cleaned
	outcome.Images = stream.PrepareImages(log, paths)
	if outcome.Content == "" && len(outcome.Images) == 0 {
		outcome.Content = modelFailedText
	}

	snap, ok := g.finish(log, streamID, outcome)
	if !ok || ctx.Err() != nil {
		return
	}
	if outcome.Reason == stream.ReasonCompleted {
		g.session.History.Commit(scope.Conversation, composed.HistoryTurn, cleaned)
	}
	if snap.Remainder != "" {
		g.deliverRemainder(ctx, log, scope.Conversation, snap.Remainder)
	}
}

// callModel streams the model reply into the stream buffer and returns
// the complete text. Cancellation is checked at every event.
func (g *Gateway) callModel(ctx context.Context, streamID string, req model.TurnRequest) (string, error) {
	if g.chain == nil {
		return "", fmt.Errorf("%w: no model chain configured", ErrModelChainFailed)
	}
	events, err := g.chain.RunTurn(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModelChainFailed, err)
	}
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return b.String(), nil
			}
			switch ev.Type {
			case model.EventDelta:
				if ev.Delta == "" {
					continue
				}
				b.WriteString(ev.Delta)
				if _, err := g.session.Streams.Append(streamID, ev.Delta); err != nil && !errors.Is(err, stream.ErrOverflow) {
					return b.String(), err
				}
			case model.EventDone:
				if b.Len() == 0 {
					return strings.TrimSpace(ev.Text), nil
				}
				return b.String(), nil
			case model.EventError:
				return b.String(), fmt.Errorf("%w: %w", ErrModelChainFailed, ev.Err)
			}
		}
	}
}

// closeAborted stops the turn's stream when the abort raced the stream
// being attached to the lock. A stream stopped by the abort is left as is.
func (g *Gateway) closeAborted(log *slog.Logger, streamID string) {
	if _, err := g.session.Streams.Stop(streamID, stoppedText); err == nil {
		log.Debug("aborted turn stream closed")
	}
}

func (g *Gateway) finish(log *slog.Logger, streamID string, out stream.Outcome) (stream.Snapshot, bool) {
	snap, err := g.session.Streams.Finish(streamID, out)
	if err != nil && !errors.Is(err, stream.ErrOverflow) {
		log.Debug("finish stream skipped", slog.Any("error", err))
		return stream.Snapshot{}, false
	}
	return snap, true
}

// deliverRemainder pushes the overflow of a finished stream through the
// fallback tiers. It runs detached from the turn so a late stop cannot
// cut a half-sent message.
func (g *Gateway) deliverRemainder(ctx context.Context, log *slog.Logger, scope, remainder string) {
	if g.outbound == nil {
		log.Warn("stream remainder dropped: no outbound configured", slog.Int("bytes", len(remainder)))
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.sendTimeout)
	defer cancel()
	delivery, err := g.outbound.Deliver(sendCtx, scope, remainderPrefix+remainder)
	if err != nil {
		log.Warn("stream remainder delivery incomplete", slog.Any("tiers", delivery.Tiers), slog.Any("error", err))
		return
	}
	log.Info("stream remainder delivered", slog.Any("tiers", delivery.Tiers))
}
