package conversation

import "strings"

// HistoryWindowTurns is how many recent turns are replayed into a prompt.
const HistoryWindowTurns = 12

const pushURLHint = "push_url_set_hint=When user asks to configure proactive push, call memory_store with push_url_memory_key and store a valid WeCom robot webhook URL."

// PushURLKey is the key under which a scope's proactive push webhook is stored.
func PushURLKey(scope string) string {
	return "wecom_push_url::" + scope
}

// TurnInput carries what the injector needs to frame one turn.
type TurnInput struct {
	Scope      ScopeDecision
	ChatType   string
	ChatID     string
	AIBotID    string
	SenderID   string
	MsgID      string
	Quote      string
	Normalized string
}

// Composed splits a turn into the user message, the injected context
// blocks and the user turn recorded in history. Prompt and Context never
// overlap.
type Composed struct {
	Prompt      string
	Context     string
	HistoryTurn string
}

// Compose builds the model input from the prior conversation state.
// The static block goes out only on the scope's first turn. Shared group
// scopes get a per-turn block naming the sender; other scopes already
// encode the sender in the scope key.
func Compose(in TurnInput, prior State) Composed {
	var blocks []string
	if !prior.StaticInjected {
		blocks = append(blocks, staticBlock(in))
	}
	if h := renderHistory(window(prior.Turns)); h != "" {
		blocks = append(blocks, h)
	}
	if in.Scope.Shared {
		blocks = append(blocks, turnBlock(in))
	}

	prompt := in.Normalized
	historyTurn := in.Normalized
	if in.Quote != "" {
		prompt = in.Quote + "\n\n" + prompt
		historyTurn = in.Quote + "\n" + historyTurn
	}
	if in.Scope.Shared {
		historyTurn = "[" + in.SenderID + "] " + historyTurn
	}
	return Composed{
		Prompt:      prompt,
		Context:     strings.Join(blocks, "\n\n"),
		HistoryTurn: historyTurn,
	}
}

func staticBlock(in TurnInput) string {
	chatID := in.ChatID
	if chatID == "" {
		chatID = "-"
	}
	lines := []string{
		"[WECOM_STATIC_CONTEXT_V1]",
		"chat_type=" + in.ChatType,
		"chat_id=" + chatID,
		"conversation_scope=" + in.Scope.Conversation,
		"execution_scope=" + in.Scope.Execution,
		"aibot_id=" + in.AIBotID,
		"push_url_memory_key=" + PushURLKey(in.Scope.Conversation),
		pushURLHint,
	}
	if !in.Scope.Shared {
		lines = append(lines, "sender_userid="+in.SenderID)
	}
	lines = append(lines, "[/WECOM_STATIC_CONTEXT_V1]")
	return strings.Join(lines, "\n")
}

func turnBlock(in TurnInput) string {
	return strings.Join([]string{
		"[WECOM_TURN_CONTEXT_V1]",
		"sender_userid=" + in.SenderID,
		"msg_id=" + in.MsgID,
		"[/WECOM_TURN_CONTEXT_V1]",
	}, "\n")
}

func window(turns []Turn) []Turn {
	if len(turns) > HistoryWindowTurns {
		return turns[len(turns)-HistoryWindowTurns:]
	}
	return turns
}

func renderHistory(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[WECOM_HISTORY]\n")
	for _, t := range turns {
		if t.Role == RoleAssistant {
			b.WriteString("Assistant: ")
		} else {
			b.WriteString("User: ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("[/WECOM_HISTORY]\n")
	return b.String()
}
