package gateway

// User-visible reply texts.
const (
	welcomeText     = "你好，欢迎来找我聊天 "
	busyText        = "有消息正在处理中，但是多了一次回复机会！如果需要停止当前消息处理，请发送停止或者stop。"
	stoppedText     = "已停止当前消息处理。"
	voiceText       = "我现在无法处理语音消息 "
	unsupportedText = "暂不支持该消息类型。"
	streamGoneText  = "任务已结束或不存在。"
	progressText    = "正在调用模型生成回复..."
	modelFailedText = "抱歉，我暂时无法处理这条消息。"
	remainderPrefix = "[补充消息]\n"
)

// Attachment placeholders handed to the model.
const (
	imageFailedText      = "[Image attachment processing failed; please continue without this image.]"
	fileFailedText       = "[File attachment processing failed; please continue without this file.]"
	mixedImageFailedText = "[Image attachment processing failed in mixed message.]"
	voicePrefix          = "[Voice transcript]\n"
	quoteImageFailedText = "[引用图片下载失败]"
	quoteFileFailedText  = "[引用文件下载失败]"
)

const successBody = "success"
