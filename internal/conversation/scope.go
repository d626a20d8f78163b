// Package conversation derives conversation scopes and owns per-scope
// history and the context blocks prepended to each model turn.
package conversation

import "strings"

const unknownID = "unknown"

// ChatInfo is the sender and chat metadata a scope is derived from.
type ChatInfo struct {
	ChatType string
	ChatID   string
	UserID   string
}

// SharedHistoryPolicy selects the group chats whose members share one history.
type SharedHistoryPolicy struct {
	Enabled bool
	ChatIDs []string
}

// Allows reports whether chatID is in the shared-history allow-list.
func (p SharedHistoryPolicy) Allows(chatID string) bool {
	if !p.Enabled {
		return false
	}
	for _, id := range p.ChatIDs {
		if strings.TrimSpace(id) == chatID {
			return true
		}
	}
	return false
}

// ScopeDecision is the outcome of scope resolution. The execution scope
// keys the lock and equals the conversation scope.
type ScopeDecision struct {
	Conversation string
	Execution    string
	Shared       bool
}

// ResolveScope derives the scope for a message. It performs no I/O and
// returns the same decision for the same inputs.
func ResolveScope(info ChatInfo, policy SharedHistoryPolicy) ScopeDecision {
	user := strings.TrimSpace(info.UserID)
	if user == "" {
		user = unknownID
	}
	if !strings.EqualFold(strings.TrimSpace(info.ChatType), "group") {
		scope := "user:" + user
		return ScopeDecision{Conversation: scope, Execution: scope}
	}
	chat := strings.TrimSpace(info.ChatID)
	if chat == "" {
		chat = unknownID
	}
	if policy.Allows(chat) {
		scope := "group:" + chat
		return ScopeDecision{Conversation: scope, Execution: scope, Shared: true}
	}
	scope := "group:" + chat + ":user:" + user
	return ScopeDecision{Conversation: scope, Execution: scope}
}
