package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/memohai/memoh-wecom/internal/conversation"
	"github.com/memohai/memoh-wecom/internal/fallback"
	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/model"
	"github.com/memohai/memoh-wecom/internal/stream"
	"github.com/memohai/memoh-wecom/internal/stream/event"
	"github.com/memohai/memoh-wecom/internal/wecom"
	"github.com/memohai/memoh-wecom/internal/wecom/crypto"
)

const (
	testToken = "token123"
	testKey   = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"
	testTS    = "1700000000"
	testNonce = "nonce1"
)

type scriptedChain struct {
	mu       sync.Mutex
	requests []model.TurnRequest
	err      error
	script   func(ctx context.Context, req model.TurnRequest, out chan<- model.TurnEvent)
}

func (c *scriptedChain) RunTurn(ctx context.Context, req model.TurnRequest) (<-chan model.TurnEvent, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make(chan model.TurnEvent)
	go func() {
		defer close(out)
		c.script(ctx, req, out)
	}()
	return out, nil
}

func (c *scriptedChain) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedChain) last() model.TurnRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func emit(ctx context.Context, out chan<- model.TurnEvent, ev model.TurnEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func replyWith(text string) func(context.Context, model.TurnRequest, chan<- model.TurnEvent) {
	return func(ctx context.Context, _ model.TurnRequest, out chan<- model.TurnEvent) {
		if emit(ctx, out, model.TurnEvent{Type: model.EventDelta, Delta: text}) {
			emit(ctx, out, model.TurnEvent{Type: model.EventDone})
		}
	}
}

type recordingDeliverer struct {
	mu       sync.Mutex
	scopes   []string
	contents []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, scope, content string) (fallback.Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scopes = append(d.scopes, scope)
	d.contents = append(d.contents, content)
	return fallback.Delivery{Tiers: []fallback.Tier{fallback.TierGlobal}}, nil
}

type harness struct {
	gw      *Gateway
	session *Session
	cryptor *crypto.Cryptor
	hub     *event.Hub
	chain   *scriptedChain
	out     *recordingDeliverer
}

func newHarness(t *testing.T, chain *scriptedChain, attachments AttachmentProcessor) *harness {
	t.Helper()
	c, err := crypto.New(testToken, testKey)
	require.NoError(t, err)
	hub := event.NewHub()
	session := NewSession(logger.Discard(), hub, SessionOptions{HistoryTurns: 30, ResponseURLs: 5})
	out := &recordingDeliverer{}
	gw := New(logger.Discard(), c, session, attachments, chain, out, Options{LockTimeout: time.Minute})
	return &harness{gw: gw, session: session, cryptor: c, hub: hub, chain: chain, out: out}
}

func (h *harness) post(t *testing.T, plaintext string) Reply {
	t.Helper()
	encrypted, err := h.cryptor.Encrypt(plaintext)
	require.NoError(t, err)
	q := Query{Signature: crypto.Signature(testToken, testTS, testNonce, encrypted), Timestamp: testTS, Nonce: testNonce}
	reply, err := h.gw.HandleCallback(context.Background(), q, []byte(`{"encrypt":"`+encrypted+`"}`))
	require.NoError(t, err)
	return reply
}

func (h *harness) open(t *testing.T, reply Reply) gjson.Result {
	t.Helper()
	require.True(t, reply.Encrypted, "expected an encrypted reply, got %q", reply.Body)
	var env crypto.Envelope
	require.NoError(t, json.Unmarshal([]byte(reply.Body), &env))
	plain, err := h.cryptor.VerifyAndDecrypt(env.MsgSignature, env.Timestamp, env.Nonce, env.Encrypt)
	require.NoError(t, err)
	return gjson.Parse(plain)
}

func (h *harness) refresh(t *testing.T, id string) gjson.Result {
	t.Helper()
	return h.open(t, h.post(t, `{"msgtype":"stream","msgid":"r-`+id+`","from":{"userid":"zhangsan"},"stream":{"id":"`+id+`"}}`))
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Wait(ctx))
}

func textMessage(msgID, user, content string) string {
	return `{"msgtype":"text","msgid":"` + msgID + `","chattype":"single","from":{"userid":"` + user + `"},` +
		`"response_url":"https://qyapi.weixin.qq.com/cgi-bin/aibot/response?id=` + msgID + `","text":{"content":"` + content + `"}}`
}

func TestPollScenario(t *testing.T) {
	gate := make(chan struct{})
	chain := &scriptedChain{script: func(ctx context.Context, _ model.TurnRequest, out chan<- model.TurnEvent) {
		if !emit(ctx, out, model.TurnEvent{Type: model.EventDelta, Delta: "Hello"}) {
			return
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return
		}
		emit(ctx, out, model.TurnEvent{Type: model.EventDone})
	}}
	h := newHarness(t, chain, nil)

	first := h.open(t, h.post(t, textMessage("m1", "zhangsan", "hi")))
	assert.Equal(t, "stream", first.Get("msgtype").String())
	assert.False(t, first.Get("stream.finish").Bool())
	assert.Empty(t, first.Get("stream.content").String())
	id := first.Get("stream.id").String()
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		snap, ok := h.session.Streams.Snapshot(id)
		return ok && snap.Content == "Hello"
	}, 2*time.Second, 5*time.Millisecond)

	mid := h.refresh(t, id)
	assert.Equal(t, "Hello", mid.Get("stream.content").String())
	assert.False(t, mid.Get("stream.finish").Bool())
	assert.True(t, h.session.Locks.IsHeld("user:zhangsan"))

	close(gate)
	h.wait(t)

	last := h.refresh(t, id)
	assert.Equal(t, "Hello", last.Get("stream.content").String())
	assert.True(t, last.Get("stream.finish").Bool())
	assert.False(t, h.session.Locks.IsHeld("user:zhangsan"))

	state := h.session.History.Snapshot("user:zhangsan")
	require.Len(t, state.Turns, 2)
	assert.Equal(t, "hi", state.Turns[0].Content)
	assert.Equal(t, "Hello", state.Turns[1].Content)
	req := chain.last()
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, 1, strings.Count(req.Prompt+req.Context, "[WECOM_STATIC_CONTEXT_V1]"))
	assert.Contains(t, req.Context, "conversation_scope=user:zhangsan")
}

func TestStreamEventsReachHub(t *testing.T) {
	gate := make(chan struct{})
	chain := &scriptedChain{script: func(ctx context.Context, req model.TurnRequest, out chan<- model.TurnEvent) {
		<-gate
		replyWith("done")(ctx, req, out)
	}}
	h := newHarness(t, chain, nil)

	id := h.open(t, h.post(t, textMessage("m1", "zhangsan", "hi"))).Get("stream.id").String()
	_, events, cancel := h.hub.Subscribe(id, 16)
	defer cancel()
	close(gate)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == event.TypeFinished {
				assert.Equal(t, string(stream.ReasonCompleted), ev.Reason)
				h.wait(t)
				return
			}
		case <-timeout:
			t.Fatal("no finished event published")
		}
	}
}

func TestBusyReplyDoesNotCallModel(t *testing.T) {
	chain := &scriptedChain{script: func(ctx context.Context, _ model.TurnRequest, _ chan<- model.TurnEvent) {
		<-ctx.Done()
	}}
	h := newHarness(t, chain, nil)

	h.open(t, h.post(t, textMessage("m1", "zhangsan", "first")))
	require.Eventually(t, func() bool { return chain.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	busy := h.open(t, h.post(t, textMessage("m2", "zhangsan", "second")))
	assert.True(t, busy.Get("stream.finish").Bool())
	assert.True(t, strings.HasPrefix(busy.Get("stream.content").String(), busyText))
	assert.Equal(t, 1, chain.calls())

	other := h.open(t, h.post(t, textMessage("m3", "lisi", "hello")))
	assert.False(t, other.Get("stream.finish").Bool())
	require.Eventually(t, func() bool { return chain.calls() == 2 }, 2*time.Second, 5*time.Millisecond)

	h.session.Locks.Abort("user:zhangsan")
	h.session.Locks.Abort("user:lisi")
	h.wait(t)
}

func TestStopAbortsAndReleases(t *testing.T) {
	chain := &scriptedChain{script: func(ctx context.Context, _ model.TurnRequest, out chan<- model.TurnEvent) {
		if emit(ctx, out, model.TurnEvent{Type: model.EventDelta, Delta: "partial"}) {
			<-ctx.Done()
		}
	}}
	h := newHarness(t, chain, nil)

	id := h.open(t, h.post(t, textMessage("m1", "zhangsan", "long task"))).Get("stream.id").String()
	require.Eventually(t, func() bool {
		snap, ok := h.session.Streams.Snapshot(id)
		return ok && snap.Content == "partial"
	}, 2*time.Second, 5*time.Millisecond)

	stopped := h.open(t, h.post(t, textMessage("m2", "zhangsan", "STOP")))
	assert.True(t, stopped.Get("stream.finish").Bool())
	assert.Equal(t, stoppedText, stopped.Get("stream.content").String())
	assert.NotEqual(t, id, stopped.Get("stream.id").String())
	h.wait(t)

	snap, ok := h.session.Streams.Snapshot(id)
	require.True(t, ok)
	assert.True(t, snap.Finished)
	assert.Equal(t, stream.ReasonStop, snap.Reason)
	assert.Equal(t, stoppedText, snap.Content)
	assert.False(t, h.session.Locks.IsHeld("user:zhangsan"))
	assert.Empty(t, h.session.History.Snapshot("user:zhangsan").Turns)

	chain.script = replyWith("again")
	next := h.open(t, h.post(t, textMessage("m3", "zhangsan", "new question")))
	assert.False(t, next.Get("stream.finish").Bool())
	h.wait(t)
	assert.Equal(t, 2, chain.calls())
}

func TestAbortBeforeStreamAttachedStillFinishes(t *testing.T) {
	chain := &scriptedChain{script: func(ctx context.Context, _ model.TurnRequest, _ chan<- model.TurnEvent) {
		<-ctx.Done()
	}}
	h := newHarness(t, chain, nil)
	in, err := wecom.ParseInbound(textMessage("m1", "zhangsan", "hi"))
	require.NoError(t, err)
	scope := conversation.ResolveScope(conversation.ChatInfo{ChatType: in.ChatType, UserID: in.SenderUserID}, conversation.SharedHistoryPolicy{})

	handle, err := h.session.Locks.TryAcquire(context.Background(), scope.Execution, time.Minute)
	require.NoError(t, err)
	snap := h.session.Streams.Create(scope.Conversation)
	require.True(t, h.session.Locks.Abort(scope.Execution))

	h.gw.runTurn(handle, in, scope, snap.ID)

	got, ok := h.session.Streams.Snapshot(snap.ID)
	require.True(t, ok)
	assert.True(t, got.Finished)
	assert.Equal(t, stream.ReasonStop, got.Reason)
	assert.Equal(t, stoppedText, got.Content)
	assert.Empty(t, h.session.History.Snapshot(scope.Conversation).Turns)
}

func TestStopKeywordChinese(t *testing.T) {
	chain := &scriptedChain{script: func(ctx context.Context, _ model.TurnRequest, _ chan<- model.TurnEvent) {
		<-ctx.Done()
	}}
	h := newHarness(t, chain, nil)
	h.open(t, h.post(t, textMessage("m1", "zhangsan", "hi")))
	require.Eventually(t, func() bool { return chain.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := h.open(t, h.post(t, textMessage("m2", "zhangsan", "请停止")))
	assert.Equal(t, stoppedText, stopped.Get("stream.content").String())
	h.wait(t)
}

func TestOverflowGoesToFallback(t *testing.T) {
	long := strings.Repeat("a", 20480) + "tail"
	h := newHarness(t, &scriptedChain{script: replyWith(long)}, nil)

	id := h.open(t, h.post(t, textMessage("m1", "zhangsan", "essay"))).Get("stream.id").String()
	h.wait(t)

	final := h.refresh(t, id)
	assert.True(t, final.Get("stream.finish").Bool())
	assert.Len(t, final.Get("stream.content").String(), 20480)

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	require.Len(t, h.out.contents, 1)
	assert.Equal(t, remainderPrefix+"tail", h.out.contents[0])
	assert.Equal(t, "user:zhangsan", h.out.scopes[0])
}

func TestModelFailureFinishesWithApology(t *testing.T) {
	chain := &scriptedChain{err: errors.New("gateway down")}
	h := newHarness(t, chain, nil)

	id := h.open(t, h.post(t, textMessage("m1", "zhangsan", "hi"))).Get("stream.id").String()
	h.wait(t)

	snap, ok := h.session.Streams.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, modelFailedText, snap.Content)
	assert.Equal(t, stream.ReasonError, snap.Reason)
	assert.False(t, h.session.Locks.IsHeld("user:zhangsan"))
	assert.Empty(t, h.session.History.Snapshot("user:zhangsan").Turns)
}

func TestModelErrorEvent(t *testing.T) {
	chain := &scriptedChain{script: func(ctx context.Context, _ model.TurnRequest, out chan<- model.TurnEvent) {
		emit(ctx, out, model.TurnEvent{Type: model.EventError, Err: errors.New("boom")})
	}}
	h := newHarness(t, chain, nil)
	id := h.open(t, h.post(t, textMessage("m1", "zhangsan", "hi"))).Get("stream.id").String()
	h.wait(t)
	assert.Equal(t, modelFailedText, h.refresh(t, id).Get("stream.content").String())
}

func TestDuplicateMessageAcknowledged(t *testing.T) {
	chain := &scriptedChain{script: replyWith("ok")}
	h := newHarness(t, chain, nil)

	h.open(t, h.post(t, textMessage("m1", "zhangsan", "hi")))
	h.wait(t)
	dup := h.post(t, textMessage("m1", "zhangsan", "hi"))
	assert.Equal(t, Success, dup)
	assert.Equal(t, 1, chain.calls())
}

func TestEnterChatWelcome(t *testing.T) {
	h := newHarness(t, &scriptedChain{}, nil)
	reply := h.open(t, h.post(t, `{"msgtype":"event","msgid":"e1","from":{"userid":"zhangsan"},"event":{"eventtype":"enter_chat"}}`))
	assert.Equal(t, "text", reply.Get("msgtype").String())
	assert.True(t, strings.HasPrefix(reply.Get("text.content").String(), welcomeText))
}

func TestOtherEventsAcknowledged(t *testing.T) {
	h := newHarness(t, &scriptedChain{}, nil)
	for i, body := range []string{
		`{"msgtype":"event","msgid":"e1","event":{"eventtype":"template_card_event","template_card_event":{"event_key":"k1"}}}`,
		`{"msgtype":"event","msgid":"e2","event":{"eventtype":"feedback_event","feedback_event":{"id":"f1","type":1}}}`,
		`{"msgtype":"event","msgid":"e3","event":{"eventtype":"something_new"}}`,
	} {
		assert.Equal(t, Success, h.post(t, body), "event %d", i)
	}
}

func TestUnknownStreamRefresh(t *testing.T) {
	h := newHarness(t, &scriptedChain{}, nil)
	reply := h.refresh(t, "nope")
	assert.Equal(t, "nope", reply.Get("stream.id").String())
	assert.True(t, reply.Get("stream.finish").Bool())
	assert.Equal(t, streamGoneText, reply.Get("stream.content").String())
}

func TestVoiceWithoutTranscript(t *testing.T) {
	chain := &scriptedChain{}
	h := newHarness(t, chain, nil)
	reply := h.open(t, h.post(t, `{"msgtype":"voice","msgid":"v1","from":{"userid":"zhangsan"},"voice":{}}`))
	assert.True(t, reply.Get("stream.finish").Bool())
	assert.True(t, strings.HasPrefix(reply.Get("stream.content").String(), voiceText))
	assert.Zero(t, chain.calls())
	assert.False(t, h.session.Locks.IsHeld("user:zhangsan"))
}

func TestUnsupportedMessageType(t *testing.T) {
	chain := &scriptedChain{}
	h := newHarness(t, chain, nil)
	reply := h.open(t, h.post(t, `{"msgtype":"location","msgid":"l1","from":{"userid":"zhangsan"}}`))
	assert.True(t, reply.Get("stream.finish").Bool())
	assert.Equal(t, unsupportedText, reply.Get("stream.content").String())
	assert.Zero(t, chain.calls())
}

func TestEmptyTextFinishesUnsupported(t *testing.T) {
	chain := &scriptedChain{}
	h := newHarness(t, chain, nil)
	id := h.open(t, h.post(t, textMessage("m1", "zhangsan", "   "))).Get("stream.id").String()
	h.wait(t)
	assert.Equal(t, unsupportedText, h.refresh(t, id).Get("stream.content").String())
	assert.Zero(t, chain.calls())
}

func TestUnparseableCallbackAcknowledged(t *testing.T) {
	h := newHarness(t, &scriptedChain{}, nil)
	assert.Equal(t, Success, h.post(t, `{"msgid":"x"}`))
	assert.Equal(t, Success, h.post(t, `not json`))
}

func TestResponseURLRemembered(t *testing.T) {
	h := newHarness(t, &scriptedChain{script: replyWith("ok")}, nil)
	h.open(t, h.post(t, textMessage("m1", "zhangsan", "hi")))
	h.wait(t)
	assert.Equal(t, 1, h.session.ResponseURLs.Len("user:zhangsan"))
}

func TestHandleVerify(t *testing.T) {
	h := newHarness(t, &scriptedChain{}, nil)
	echo, err := h.cryptor.Encrypt("echo-plain")
	require.NoError(t, err)
	sig := crypto.Signature(testToken, testTS, testNonce, echo)

	plain, err := h.gw.HandleVerify(Query{Signature: sig, Timestamp: testTS, Nonce: testNonce, EchoStr: echo})
	require.NoError(t, err)
	assert.Equal(t, "echo-plain", plain)

	_, err = h.gw.HandleVerify(Query{Signature: "bad", Timestamp: testTS, Nonce: testNonce, EchoStr: echo})
	assert.ErrorIs(t, err, crypto.ErrSignatureInvalid)

	_, err = h.gw.HandleVerify(Query{Timestamp: testTS, Nonce: testNonce, EchoStr: echo})
	assert.ErrorIs(t, err, ErrMissingParams)

	garbage := "bm90LWEtcmVhbC1jaXBoZXJ0ZXh0"
	_, err = h.gw.HandleVerify(Query{Signature: crypto.Signature(testToken, testTS, testNonce, garbage), Timestamp: testTS, Nonce: testNonce, EchoStr: garbage})
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestHandleCallbackPreAuthErrors(t *testing.T) {
	h := newHarness(t, &scriptedChain{}, nil)
	q := Query{Signature: "sig", Timestamp: testTS, Nonce: testNonce}

	_, err := h.gw.HandleCallback(context.Background(), Query{}, []byte(`{"encrypt":"x"}`))
	assert.ErrorIs(t, err, ErrMissingParams)

	_, err = h.gw.HandleCallback(context.Background(), q, []byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = h.gw.HandleCallback(context.Background(), q, []byte(`{"encrypt":""}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = h.gw.HandleCallback(context.Background(), q, []byte(`{"encrypt":"abc"}`))
	assert.ErrorIs(t, err, crypto.ErrSignatureInvalid)
}

func TestSessionJobs(t *testing.T) {
	h := newHarness(t, &scriptedChain{}, nil)
	jobs := h.session.Jobs()
	names := make([]string, 0, len(jobs))
	for _, job := range jobs {
		names = append(names, job.Name)
		require.NoError(t, job.Run(context.Background()))
	}
	assert.ElementsMatch(t, []string{"stream-sweep", "history-prune", "lock-prune", "response-url-purge", "dedupe-sweep"}, names)
}
