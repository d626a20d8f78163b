package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/memohai/memoh-wecom/internal/attachment"
	"github.com/memohai/memoh-wecom/internal/wecom"
)

type inputKind int

const (
	inputReady inputKind = iota
	inputUnsupported
)

// turnInput is the model-facing rendering of one inbound message.
type turnInput struct {
	kind inputKind
	text string
}

func ready(text string) turnInput { return turnInput{kind: inputReady, text: text} }

var unsupported = turnInput{kind: inputUnsupported}

// normalize turns an inbound message into model input, materializing
// attachments on the way. Attachment failures become placeholders so the
// turn still runs.
func (g *Gateway) normalize(ctx context.Context, in *wecom.Inbound) turnInput {
	switch in.MsgType {
	case wecom.MsgTypeText:
		if text := in.TextContent(); text != "" {
			return ready(text)
		}
	case wecom.MsgTypeVoice:
		if transcript := in.VoiceTranscript(); transcript != "" {
			return ready(voicePrefix + transcript)
		}
	case wecom.MsgTypeImage:
		if url := in.ImageURL(); url != "" {
			return ready(g.attach(ctx, in, url, attachment.KindImage, imageFailedText))
		}
	case wecom.MsgTypeFile:
		if url := in.FileURL(); url != "" {
			return ready(g.attach(ctx, in, url, attachment.KindFile, fileFailedText))
		}
	case wecom.MsgTypeMixed:
		var parts []string
		for _, item := range in.MixedItems() {
			switch item.MsgType {
			case wecom.MsgTypeText:
				if item.Text != "" {
					parts = append(parts, item.Text)
				}
			case wecom.MsgTypeImage:
				if item.ImageURL != "" {
					parts = append(parts, g.attach(ctx, in, item.ImageURL, attachment.KindImage, mixedImageFailedText))
				}
			}
		}
		if len(parts) > 0 {
			return ready(strings.Join(parts, "\n\n"))
		}
	}
	return unsupported
}

// materializeQuote downloads quoted media so the quote block can point at
// local files. It returns the rendered block, or "" without a quote.
func (g *Gateway) materializeQuote(ctx context.Context, in *wecom.Inbound) string {
	q, ok := in.Quote()
	if !ok {
		return ""
	}
	switch q.MsgType {
	case wecom.MsgTypeImage:
		if q.ImageURL != "" {
			q.LocalImage = g.attach(ctx, in, q.ImageURL, attachment.KindImage, quoteImageFailedText)
		}
	case wecom.MsgTypeFile:
		if q.FileURL != "" {
			q.LocalFile = g.attach(ctx, in, q.FileURL, attachment.KindFile, quoteFileFailedText)
		}
	case wecom.MsgTypeMixed:
		for i, item := range q.Mixed {
			if item.MsgType == wecom.MsgTypeImage && item.ImageURL != "" {
				q.Mixed[i].LocalPath = g.attach(ctx, in, item.ImageURL, attachment.KindImage, quoteImageFailedText)
			}
		}
	}
	return q.Render()
}

// attach stores one attachment and returns its marker. Oversized media is
// described to the model instead of being dropped silently.
func (g *Gateway) attach(ctx context.Context, in *wecom.Inbound, url string, kind attachment.Kind, failed string) string {
	if g.attachments == nil {
		return failed
	}
	att, err := g.attachments.Process(ctx, attachment.Request{
		URL:      url,
		Kind:     kind,
		ChatID:   in.ChatID,
		SenderID: in.SenderUserID,
		MsgID:    in.MsgID,
	})
	if err != nil {
		var tooLarge *attachment.TooLargeError
		if errors.As(err, &tooLarge) {
			return tooLarge.Marker()
		}
		g.logger.Warn("attachment processing failed",
			slog.String("msg_id", in.MsgID),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
		return failed
	}
	return att.Marker()
}
