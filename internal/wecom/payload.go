package wecom

import "encoding/json"

// StreamImage is one inline image attached to a finished stream reply.
type StreamImage struct {
	Base64 string `json:"base64"`
	MD5    string `json:"md5"`
}

type streamPayload struct {
	MsgType string     `json:"msgtype"`
	Stream  streamBody `json:"stream"`
}

type streamBody struct {
	ID      string          `json:"id"`
	Finish  bool            `json:"finish"`
	Content string          `json:"content"`
	MsgItem []streamMsgItem `json:"msg_item,omitempty"`
}

type streamMsgItem struct {
	MsgType string      `json:"msgtype"`
	Image   StreamImage `json:"image"`
}

type textPayload struct {
	MsgType string   `json:"msgtype"`
	Text    textBody `json:"text"`
}

type textBody struct {
	Content string `json:"content"`
}

// MarkdownMessage is the robot webhook body used for out-of-band pushes.
type MarkdownMessage struct {
	MsgType  string       `json:"msgtype"`
	Markdown markdownBody `json:"markdown"`
}

type markdownBody struct {
	Content string `json:"content"`
}

// StreamPayload renders a passive stream reply. Content is capped at the
// platform limit and images are only attached once the stream finishes.
func StreamPayload(id, content string, finish bool, images []StreamImage) (string, error) {
	body := streamBody{
		ID:      id,
		Finish:  finish,
		Content: TrimUTF8(content, MarkdownMaxBytes),
	}
	if finish {
		for _, img := range images {
			body.MsgItem = append(body.MsgItem, streamMsgItem{MsgType: MsgTypeImage, Image: img})
		}
	}
	return marshal(streamPayload{MsgType: MsgTypeStream, Stream: body})
}

// TextPayload renders a plain text passive reply.
func TextPayload(content string) (string, error) {
	return marshal(textPayload{MsgType: MsgTypeText, Text: textBody{Content: content}})
}

// NewMarkdownMessage builds a robot webhook markdown message.
func NewMarkdownMessage(content string) MarkdownMessage {
	return MarkdownMessage{MsgType: "markdown", Markdown: markdownBody{Content: content}}
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
