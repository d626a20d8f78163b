// Package wecom holds the wire model of the WeCom intelligent-robot
// callback: inbound message parsing, passive reply payloads and the text
// limits the platform enforces on them.
package wecom

import (
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Message types the gateway dispatches on.
const (
	MsgTypeText   = "text"
	MsgTypeVoice  = "voice"
	MsgTypeImage  = "image"
	MsgTypeFile   = "file"
	MsgTypeMixed  = "mixed"
	MsgTypeStream = "stream"
	MsgTypeEvent  = "event"
)

// Event types carried by msgtype=event callbacks.
const (
	EventEnterChat         = "enter_chat"
	EventTemplateCardEvent = "template_card_event"
	EventFeedbackEvent     = "feedback_event"
)

const (
	defaultChatType = "single"
	unknownValue    = "unknown"
)

var (
	// ErrInvalidPayload indicates the decrypted callback is not a JSON object.
	ErrInvalidPayload = errors.New("wecom callback is not valid json")
	// ErrMissingMsgType indicates the callback carries no msgtype.
	ErrMissingMsgType = errors.New("wecom callback missing msgtype")
)

// Inbound is one decrypted callback. Raw keeps the full document for the
// type-specific accessors below.
type Inbound struct {
	MsgID        string
	MsgType      string
	ChatType     string
	ChatID       string
	SenderUserID string
	AIBotID      string
	ResponseURL  string
	Raw          gjson.Result
}

// MixedItem is one element of a mixed (text and image) message.
type MixedItem struct {
	MsgType   string
	Text      string
	ImageURL  string
	LocalPath string
}

// ParseInbound parses a decrypted callback body.
func ParseInbound(plaintext string) (*Inbound, error) {
	if !gjson.Valid(plaintext) {
		return nil, ErrInvalidPayload
	}
	doc := gjson.Parse(plaintext)
	if !doc.IsObject() {
		return nil, ErrInvalidPayload
	}
	msgType := doc.Get("msgtype").String()
	if msgType == "" {
		return nil, ErrMissingMsgType
	}
	in := &Inbound{
		MsgID:        doc.Get("msgid").String(),
		MsgType:      msgType,
		ChatType:     stringOr(doc.Get("chattype"), defaultChatType),
		ChatID:       doc.Get("chatid").String(),
		SenderUserID: stringOr(doc.Get("from.userid"), unknownValue),
		AIBotID:      stringOr(doc.Get("aibotid"), unknownValue),
		ResponseURL:  strings.TrimSpace(doc.Get("response_url").String()),
		Raw:          doc,
	}
	return in, nil
}

// IsGroup reports whether the message came from a group chat.
func (m *Inbound) IsGroup() bool {
	return strings.EqualFold(m.ChatType, "group")
}

// StreamID returns stream.id of a refresh callback.
func (m *Inbound) StreamID() string {
	return trimmed(m.Raw.Get("stream.id"))
}

// EventType returns event.eventtype.
func (m *Inbound) EventType() string {
	return trimmed(m.Raw.Get("event.eventtype"))
}

// TemplateCardEventKey returns the clicked card key, accepting both spellings.
func (m *Inbound) TemplateCardEventKey() string {
	card := m.Raw.Get("event.template_card_event")
	if key := trimmed(card.Get("event_key")); key != "" {
		return key
	}
	return trimmed(card.Get("eventkey"))
}

// FeedbackSummary renders a feedback_event as a single log line.
func (m *Inbound) FeedbackSummary() (string, bool) {
	fb := m.Raw.Get("event.feedback_event")
	if !fb.Exists() {
		return "", false
	}
	id := stringOr(fb.Get("id"), "-")
	kind := "-"
	if t := fb.Get("type"); t.Type == gjson.Number {
		kind = strconv.FormatInt(t.Int(), 10)
	}
	content := stringOr(fb.Get("content"), "-")
	return "feedback_id=" + id + " feedback_type=" + kind + " content=" + content, true
}

// TextContent returns the trimmed text.content.
func (m *Inbound) TextContent() string {
	return trimmed(m.Raw.Get("text.content"))
}

// VoiceTranscript returns the platform's speech-to-text result, if any.
func (m *Inbound) VoiceTranscript() string {
	return trimmed(m.Raw.Get("voice.content"))
}

// ImageURL returns the encrypted image download URL.
func (m *Inbound) ImageURL() string {
	return trimmed(m.Raw.Get("image.url"))
}

// FileURL returns the encrypted file download URL.
func (m *Inbound) FileURL() string {
	return trimmed(m.Raw.Get("file.url"))
}

// MixedItems returns the items of a mixed message in order.
func (m *Inbound) MixedItems() []MixedItem {
	return mixedItems(m.Raw.Get("mixed.msg_item"))
}

// StopSignalText collects the user-visible text a stop command may appear in.
func (m *Inbound) StopSignalText() string {
	switch m.MsgType {
	case MsgTypeText:
		return m.TextContent()
	case MsgTypeVoice:
		return m.VoiceTranscript()
	case MsgTypeMixed:
		var texts []string
		for _, item := range m.MixedItems() {
			if item.MsgType == MsgTypeText && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	default:
		return ""
	}
}

// IsVoiceWithoutTranscript reports a voice message the platform could not transcribe.
func (m *Inbound) IsVoiceWithoutTranscript() bool {
	return m.MsgType == MsgTypeVoice && m.VoiceTranscript() == ""
}

// IsModelSupported reports whether the message type can become a model turn.
func IsModelSupported(msgType string) bool {
	switch msgType {
	case MsgTypeText, MsgTypeVoice, MsgTypeImage, MsgTypeFile, MsgTypeMixed:
		return true
	default:
		return false
	}
}

func mixedItems(arr gjson.Result) []MixedItem {
	if !arr.IsArray() {
		return nil
	}
	var items []MixedItem
	arr.ForEach(func(_, item gjson.Result) bool {
		mi := MixedItem{MsgType: item.Get("msgtype").String()}
		switch mi.MsgType {
		case MsgTypeText:
			mi.Text = trimmed(item.Get("text.content"))
		case MsgTypeImage:
			mi.ImageURL = trimmed(item.Get("image.url"))
		}
		items = append(items, mi)
		return true
	})
	return items
}

func trimmed(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(r.Str)
}

func stringOr(r gjson.Result, fallback string) string {
	if v := trimmed(r); v != "" {
		return v
	}
	return fallback
}
