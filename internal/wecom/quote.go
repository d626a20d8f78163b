package wecom

import "strings"

const quoteMaxBytes = 4096

// Quote is the message a user replied to. Remote URLs are kept only so the
// attachment pipeline can materialize them; Render never emits them.
type Quote struct {
	MsgType    string
	Text       string
	Voice      string
	ImageURL   string
	FileURL    string
	LocalImage string
	LocalFile  string
	Mixed      []MixedItem
}

// Quote returns the quoted message, if the callback carries one.
func (m *Inbound) Quote() (*Quote, bool) {
	q := m.Raw.Get("quote")
	msgType := trimmed(q.Get("msgtype"))
	if msgType == "" {
		return nil, false
	}
	return &Quote{
		MsgType:  msgType,
		Text:     trimmed(q.Get("text.content")),
		Voice:    trimmed(q.Get("voice.content")),
		ImageURL: trimmed(q.Get("image.url")),
		FileURL:  trimmed(q.Get("file.url")),
		Mixed:    mixedItems(q.Get("mixed.msg_item")),
	}, true
}

// Render formats the quote as a [WECOM_QUOTE] context block capped at 4 KiB of content.
func (q *Quote) Render() string {
	content := TrimUTF8(q.content(), quoteMaxBytes)
	return "[WECOM_QUOTE]\nmsgtype=" + q.MsgType + "\ncontent=" + content + "\n[/WECOM_QUOTE]"
}

func (q *Quote) content() string {
	switch q.MsgType {
	case MsgTypeText:
		if q.Text == "" {
			return "[引用文本为空]"
		}
		return q.Text
	case MsgTypeVoice:
		if q.Voice == "" {
			return "[引用语音无转写]"
		}
		return "[引用语音转写] " + q.Voice
	case MsgTypeImage:
		return labelled("[引用图片]", q.LocalImage)
	case MsgTypeFile:
		return labelled("[引用文件]", q.LocalFile)
	case MsgTypeMixed:
		var parts []string
		for _, item := range q.Mixed {
			switch item.MsgType {
			case MsgTypeText:
				if item.Text != "" {
					parts = append(parts, item.Text)
				}
			case MsgTypeImage:
				parts = append(parts, labelled("[引用图片]", item.LocalPath))
			}
		}
		if len(parts) == 0 {
			return "[引用图文消息]"
		}
		return strings.Join(parts, "\n")
	default:
		return "[引用消息 type=" + q.MsgType + "]"
	}
}

func labelled(label, local string) string {
	if local == "" {
		return label
	}
	return label + " " + local
}
