package wecom

import (
	"errors"
	"strings"
	"testing"
)

func mustParse(t *testing.T, body string) *Inbound {
	t.Helper()
	in, err := ParseInbound(body)
	if err != nil {
		t.Fatalf("parse inbound: %v", err)
	}
	return in
}

func TestParseInboundDefaults(t *testing.T) {
	in := mustParse(t, `{"msgtype":"text","msgid":"m1","text":{"content":"  hi  "}}`)
	if in.ChatType != "single" || in.SenderUserID != "unknown" || in.AIBotID != "unknown" {
		t.Fatalf("unexpected defaults: %+v", in)
	}
	if in.ChatID != "" || in.IsGroup() {
		t.Fatalf("expected single chat without chat id: %+v", in)
	}
	if in.TextContent() != "hi" {
		t.Fatalf("unexpected text: %q", in.TextContent())
	}
}

func TestParseInboundGroupFields(t *testing.T) {
	in := mustParse(t, `{"msgtype":"text","msgid":"m2","chattype":"group","chatid":"wr1","aibotid":"bot1",
		"from":{"userid":"zhangsan"},"response_url":" https://qyapi.weixin.qq.com/cgi-bin/aibot/response?x=1 "}`)
	if !in.IsGroup() || in.ChatID != "wr1" || in.SenderUserID != "zhangsan" || in.AIBotID != "bot1" {
		t.Fatalf("unexpected group fields: %+v", in)
	}
	if in.ResponseURL != "https://qyapi.weixin.qq.com/cgi-bin/aibot/response?x=1" {
		t.Fatalf("expected trimmed response url, got %q", in.ResponseURL)
	}
}

func TestParseInboundErrors(t *testing.T) {
	if _, err := ParseInbound("not json"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if _, err := ParseInbound(`["msgtype"]`); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for array, got %v", err)
	}
	if _, err := ParseInbound(`{"msgid":"x"}`); !errors.Is(err, ErrMissingMsgType) {
		t.Fatalf("expected missing msgtype, got %v", err)
	}
}

func TestEventAccessors(t *testing.T) {
	in := mustParse(t, `{"msgtype":"event","event":{"eventtype":"enter_chat"}}`)
	if in.EventType() != EventEnterChat {
		t.Fatalf("unexpected event type: %q", in.EventType())
	}

	card := mustParse(t, `{"msgtype":"event","event":{"eventtype":"template_card_event","template_card_event":{"event_key":"button_confirm"}}}`)
	if card.TemplateCardEventKey() != "button_confirm" {
		t.Fatalf("unexpected card key: %q", card.TemplateCardEventKey())
	}
	legacy := mustParse(t, `{"msgtype":"event","event":{"template_card_event":{"eventkey":"old"}}}`)
	if legacy.TemplateCardEventKey() != "old" {
		t.Fatalf("unexpected legacy card key: %q", legacy.TemplateCardEventKey())
	}

	fb := mustParse(t, `{"msgtype":"event","event":{"eventtype":"feedback_event","feedback_event":{"id":"fb_1","type":2,"content":"not accurate"}}}`)
	summary, ok := fb.FeedbackSummary()
	if !ok || summary != "feedback_id=fb_1 feedback_type=2 content=not accurate" {
		t.Fatalf("unexpected feedback summary: %q", summary)
	}
	if _, ok := in.FeedbackSummary(); ok {
		t.Fatal("expected no feedback summary on enter_chat")
	}
}

func TestStopSignalText(t *testing.T) {
	mixed := mustParse(t, `{"msgtype":"mixed","mixed":{"msg_item":[
		{"msgtype":"text","text":{"content":" 请 "}},
		{"msgtype":"image","image":{"url":"https://example.com/a"}},
		{"msgtype":"text","text":{"content":"停止"}}]}}`)
	if got := mixed.StopSignalText(); got != "请\n停止" {
		t.Fatalf("unexpected mixed stop text: %q", got)
	}
	voice := mustParse(t, `{"msgtype":"voice","voice":{"content":"STOP please"}}`)
	if !ContainsStopCommand(voice.StopSignalText()) {
		t.Fatal("expected voice stop detection")
	}
	image := mustParse(t, `{"msgtype":"image","image":{"url":"https://example.com/a"}}`)
	if image.StopSignalText() != "" {
		t.Fatal("expected no stop text for image")
	}
}

func TestVoiceWithoutTranscript(t *testing.T) {
	if !mustParse(t, `{"msgtype":"voice","voice":{"content":"  "}}`).IsVoiceWithoutTranscript() {
		t.Fatal("expected voice without transcript")
	}
	if mustParse(t, `{"msgtype":"voice","voice":{"content":"你好"}}`).IsVoiceWithoutTranscript() {
		t.Fatal("expected transcript present")
	}
}

func TestQuoteRenderText(t *testing.T) {
	in := mustParse(t, `{"msgtype":"text","quote":{"msgtype":"text","text":{"content":"  引用内容  "}}}`)
	q, ok := in.Quote()
	if !ok {
		t.Fatal("expected quote")
	}
	out := q.Render()
	if !strings.Contains(out, "msgtype=text") || !strings.Contains(out, "content=引用内容") {
		t.Fatalf("unexpected quote block: %s", out)
	}
	if !strings.HasPrefix(out, "[WECOM_QUOTE]\n") || !strings.HasSuffix(out, "\n[/WECOM_QUOTE]") {
		t.Fatalf("unexpected framing: %s", out)
	}
}

func TestQuoteRenderMixedAndNoURLLeak(t *testing.T) {
	in := mustParse(t, `{"msgtype":"text","quote":{"msgtype":"mixed","mixed":{"msg_item":[
		{"msgtype":"text","text":{"content":"第一段"}},
		{"msgtype":"image","image":{"url":"https://example.com/image.png"}}]}}}`)
	q, _ := in.Quote()
	out := q.Render()
	if !strings.Contains(out, "第一段") || !strings.Contains(out, "[引用图片]") {
		t.Fatalf("unexpected mixed quote: %s", out)
	}
	if strings.Contains(out, "example.com") {
		t.Fatalf("quote leaked remote url: %s", out)
	}

	img := mustParse(t, `{"msgtype":"text","quote":{"msgtype":"image","image":{"url":"https://example.com/tmp-sign-url"}}}`)
	iq, _ := img.Quote()
	if iq.ImageURL == "" {
		t.Fatal("expected quote image url to be kept for download")
	}
	if out := iq.Render(); strings.Contains(out, "tmp-sign-url") || !strings.Contains(out, "[引用图片]") {
		t.Fatalf("unexpected image quote: %s", out)
	}
	iq.LocalImage = "[IMAGE:/ws/wecom_files/a.png]"
	if out := iq.Render(); !strings.Contains(out, "[引用图片] [IMAGE:/ws/wecom_files/a.png]") {
		t.Fatalf("expected local path in quote: %s", out)
	}
}

func TestQuoteRenderCapsContent(t *testing.T) {
	q := &Quote{MsgType: MsgTypeText, Text: strings.Repeat("长", 3000)}
	out := q.Render()
	content := strings.TrimSuffix(strings.TrimPrefix(out, "[WECOM_QUOTE]\nmsgtype=text\ncontent="), "\n[/WECOM_QUOTE]")
	if len(content) > 4096 {
		t.Fatalf("quote content not capped: %d bytes", len(content))
	}
}

func TestIsModelSupported(t *testing.T) {
	for _, typ := range []string{"text", "voice", "image", "file", "mixed"} {
		if !IsModelSupported(typ) {
			t.Fatalf("expected %s supported", typ)
		}
	}
	if IsModelSupported("location") || IsModelSupported("stream") {
		t.Fatal("unexpected support")
	}
}
