// Package gateway answers WeCom intelligent-robot callbacks: it verifies
// and decrypts them, routes each message, runs model turns in the
// background and serves the stream snapshots the platform polls for.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/memohai/memoh-wecom/internal/attachment"
	"github.com/memohai/memoh-wecom/internal/conversation"
	"github.com/memohai/memoh-wecom/internal/dedupe"
	"github.com/memohai/memoh-wecom/internal/fallback"
	"github.com/memohai/memoh-wecom/internal/lock"
	"github.com/memohai/memoh-wecom/internal/model"
	"github.com/memohai/memoh-wecom/internal/wecom"
	"github.com/memohai/memoh-wecom/internal/wecom/crypto"
)

var (
	// ErrMissingParams indicates the callback query lacks signature parameters.
	ErrMissingParams = errors.New("wecom callback missing query parameters")
	// ErrInvalidEnvelope indicates the POST body is not an encrypted envelope.
	ErrInvalidEnvelope = errors.New("wecom callback envelope invalid")
	// ErrDecryptFailed wraps a ciphertext that passed the signature check but
	// could not be opened.
	ErrDecryptFailed = errors.New("wecom callback decrypt failed")
	// ErrModelChainFailed is recorded when a turn's model call fails.
	ErrModelChainFailed = errors.New("model chain failed")
)

// AttachmentProcessor stores inbound media and returns where it landed.
type AttachmentProcessor interface {
	Process(ctx context.Context, req attachment.Request) (attachment.Attachment, error)
}

// Deliverer sends content that no longer fits the passive stream.
type Deliverer interface {
	Deliver(ctx context.Context, scope, content string) (fallback.Delivery, error)
}

// Query holds the signature parameters of a callback URL.
type Query struct {
	Signature string
	Timestamp string
	Nonce     string
	EchoStr   string
}

func (q Query) signed() bool {
	return strings.TrimSpace(q.Signature) != "" &&
		strings.TrimSpace(q.Timestamp) != "" &&
		strings.TrimSpace(q.Nonce) != ""
}

// Reply is a callback response body. Encrypted bodies are JSON envelopes;
// anything else is the plain "success" acknowledgement.
type Reply struct {
	Body      string
	Encrypted bool
}

// Success is the acknowledgement for ignored or duplicate callbacks.
var Success = Reply{Body: successBody}

// Options configures a Gateway.
type Options struct {
	SharedHistory   conversation.SharedHistoryPolicy
	LockTimeout     time.Duration
	DeliveryTimeout time.Duration
}

// Gateway routes decrypted callbacks.
type Gateway struct {
	cryptor     *crypto.Cryptor
	session     *Session
	attachments AttachmentProcessor
	chain       model.Chain
	outbound    Deliverer
	policy      conversation.SharedHistoryPolicy
	lockTimeout time.Duration
	sendTimeout time.Duration
	logger      *slog.Logger
	turns       sync.WaitGroup
}

// New creates a gateway. attachments and outbound may be nil.
func New(log *slog.Logger, cryptor *crypto.Cryptor, session *Session, attachments AttachmentProcessor, chain model.Chain, outbound Deliverer, opts Options) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 900 * time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 2 * time.Minute
	}
	return &Gateway{
		cryptor:     cryptor,
		session:     session,
		attachments: attachments,
		chain:       chain,
		outbound:    outbound,
		policy:      opts.SharedHistory,
		lockTimeout: opts.LockTimeout,
		sendTimeout: opts.DeliveryTimeout,
		logger:      log.With(slog.String("service", "wecom_gateway")),
	}
}

// HandleVerify answers the URL verification handshake with the decrypted echostr.
func (g *Gateway) HandleVerify(q Query) (string, error) {
	if !q.signed() || strings.TrimSpace(q.EchoStr) == "" {
		return "", ErrMissingParams
	}
	plain, err := g.cryptor.VerifyAndDecrypt(q.Signature, q.Timestamp, q.Nonce, q.EchoStr)
	if err != nil {
		if errors.Is(err, crypto.ErrSignatureInvalid) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	return plain, nil
}

// HandleCallback processes one POST callback. Errors are returned only
// for requests that fail before or at authentication; every later
// branch answers with an encrypted envelope or Success.
func (g *Gateway) HandleCallback(ctx context.Context, q Query, body []byte) (Reply, error) {
	if !q.signed() {
		return Reply{}, ErrMissingParams
	}
	if !gjson.ValidBytes(body) {
		return Reply{}, ErrInvalidEnvelope
	}
	encrypted := strings.TrimSpace(gjson.GetBytes(body, "encrypt").String())
	if encrypted == "" {
		return Reply{}, ErrInvalidEnvelope
	}
	plain, err := g.cryptor.VerifyAndDecrypt(q.Signature, q.Timestamp, q.Nonce, encrypted)
	if err != nil {
		if errors.Is(err, crypto.ErrSignatureInvalid) {
			return Reply{}, err
		}
		return Reply{}, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	in, err := wecom.ParseInbound(plain)
	if err != nil {
		g.logger.Warn("wecom callback parse failed", slog.Any("error", err))
		return Success, nil
	}
	payload := g.route(ctx, in)
	if payload == "" {
		return Success, nil
	}
	return g.seal(q, payload), nil
}

// Wait blocks until in-flight turns finish or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// route returns the plaintext reply for in, or "" to acknowledge with Success.
func (g *Gateway) route(ctx context.Context, in *wecom.Inbound) string {
	if in.MsgType != wecom.MsgTypeStream && in.MsgID != "" {
		if g.session.Seen.CheckAndMark(dedupe.MessageKey(in.MsgID)) {
			g.logger.Info("wecom duplicate message skipped", slog.String("msg_id", in.MsgID))
			return ""
		}
	}

	scope := conversation.ResolveScope(conversation.ChatInfo{
		ChatType: in.ChatType,
		ChatID:   in.ChatID,
		UserID:   in.SenderUserID,
	}, g.policy)
	g.session.ResponseURLs.Remember(scope.Conversation, in.MsgID, in.ResponseURL)

	log := g.logger.With(
		slog.String("msg_id", in.MsgID),
		slog.String("msgtype", in.MsgType),
		slog.String("scope", scope.Conversation),
	)
	log.Info("wecom callback accepted", slog.String("chattype", in.ChatType))

	switch in.MsgType {
	case wecom.MsgTypeStream:
		return g.refresh(in)
	case wecom.MsgTypeEvent:
		return g.event(log, in)
	}
	if !wecom.IsModelSupported(in.MsgType) {
		return g.streamReply(wecom.NewStreamID(), unsupportedText, true)
	}

	if holder, busy := g.session.Locks.Holder(scope.Execution); busy {
		if wecom.ContainsStopCommand(in.StopSignalText()) {
			return g.stop(log, scope.Execution, holder)
		}
		return g.busy()
	}
	if in.IsVoiceWithoutTranscript() {
		return g.streamReply(wecom.NewStreamID(), voiceText+wecom.RandomEmoji(), true)
	}

	h, err := g.session.Locks.TryAcquire(ctx, scope.Execution, g.lockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return g.busy()
		}
		log.Error("acquire execution lock failed", slog.Any("error", err))
		return g.streamReply(wecom.NewStreamID(), modelFailedText, true)
	}
	snap := g.session.Streams.Create(scope.Conversation)
	h.SetStreamID(snap.ID)

	g.turns.Add(1)
	go func() {
		defer g.turns.Done()
		g.runTurn(h, in, scope, snap.ID)
	}()

	payload, err := snap.Payload()
	if err != nil {
		log.Error("render stream reply failed", slog.Any("error", err))
		return ""
	}
	return payload
}

func (g *Gateway) refresh(in *wecom.Inbound) string {
	id := in.StreamID()
	if snap, ok := g.session.Streams.Snapshot(id); ok {
		payload, err := snap.Payload()
		if err == nil {
			return payload
		}
		g.logger.Error("render stream reply failed", slog.String("stream_id", id), slog.Any("error", err))
	}
	if id == "" {
		id = wecom.NewStreamID()
	}
	return g.streamReply(id, streamGoneText, true)
}

func (g *Gateway) event(log *slog.Logger, in *wecom.Inbound) string {
	switch in.EventType() {
	case wecom.EventEnterChat:
		payload, err := wecom.TextPayload(welcomeText + wecom.RandomEmoji())
		if err != nil {
			log.Error("render welcome failed", slog.Any("error", err))
			return ""
		}
		return payload
	case wecom.EventTemplateCardEvent:
		log.Info("wecom template card event", slog.String("event_key", in.TemplateCardEventKey()))
	case wecom.EventFeedbackEvent:
		if summary, ok := in.FeedbackSummary(); ok {
			log.Info("wecom feedback event", slog.String("feedback", summary))
		}
	default:
		log.Debug("wecom event ignored", slog.String("eventtype", in.EventType()))
	}
	return ""
}

// stop aborts the running turn, marks its stream stopped and confirms on
// a fresh finished stream.
func (g *Gateway) stop(log *slog.Logger, scope string, holder *lock.Handle) string {
	streamID := holder.StreamID()
	g.session.Locks.Abort(scope)
	if streamID != "" {
		if _, err := g.session.Streams.Stop(streamID, stoppedText); err != nil {
			log.Debug("stopped stream already closed", slog.String("stream_id", streamID), slog.Any("error", err))
		}
	}
	log.Info("wecom turn stopped by user", slog.String("stream_id", streamID))
	return g.streamReply(wecom.NewStreamID(), stoppedText, true)
}

func (g *Gateway) busy() string {
	return g.streamReply(wecom.NewStreamID(), busyText+wecom.RandomEmoji(), true)
}

func (g *Gateway) streamReply(id, content string, finish bool) string {
	payload, err := wecom.StreamPayload(id, content, finish, nil)
	if err != nil {
		g.logger.Error("render stream reply failed", slog.Any("error", err))
		return ""
	}
	return payload
}

// seal encrypts a reply. An envelope that cannot be built degrades to Success.
func (g *Gateway) seal(q Query, payload string) Reply {
	env, err := g.cryptor.EncryptAndSign(payload, q.Timestamp, q.Nonce)
	if err != nil {
		g.logger.Error("encrypt reply failed", slog.Any("error", err))
		return Success
	}
	body, err := json.Marshal(env)
	if err != nil {
		g.logger.Error("marshal reply envelope failed", slog.Any("error", err))
		return Success
	}
	return Reply{Body: string(body), Encrypted: true}
}
