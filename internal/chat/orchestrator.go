// Package chat runs conversational turns: it records the user's message,
// resolves intent, executes tool calls, and records the composed reply.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/tasktalk/internal/intent"
	"github.com/kalambet/tasktalk/internal/storage"
	"github.com/kalambet/tasktalk/internal/tools"
)

// DefaultHistoryLimit is how many prior messages the resolver sees.
const DefaultHistoryLimit = 20

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStoreFailure         = errors.New("store failure")
	ErrEmptyMessage         = errors.New("message must not be empty")
)

// Store is the conversation persistence the orchestrator needs.
type Store interface {
	CreateConversation(ownerID string) (storage.Conversation, error)
	GetConversation(ownerID, id string) (storage.Conversation, error)
	ListConversations(ownerID string, limit int) ([]storage.Conversation, error)
	TouchConversation(ownerID, id string, at time.Time) error
	AppendMessage(ownerID, conversationID, role, content string) (storage.Message, error)
	ListMessages(conversationID string, limit int) ([]storage.Message, error)
}

// ToolRunner executes one named tool call for an owner.
type ToolRunner interface {
	Execute(ctx context.Context, ownerID, name string, args map[string]any) tools.Invocation
}

type TurnResult struct {
	ConversationID  string             `json:"conversation_id"`
	Reply           string             `json:"response"`
	ToolInvocations []tools.Invocation `json:"tool_calls"`
}

// Orchestrator coordinates turns. Turns on different conversations may run
// concurrently. Turns on the same conversation are not serialized here;
// their messages are ordered by append commit order.
type Orchestrator struct {
	store        Store
	resolver     intent.Resolver
	runner       ToolRunner
	historyLimit int
	now          func() time.Time
}

func New(store Store, resolver intent.Resolver, runner ToolRunner, historyLimit int) *Orchestrator {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Orchestrator{
		store:        store,
		resolver:     resolver,
		runner:       runner,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// ProcessTurn handles one user message. An empty conversationID starts a new
// conversation. Errors wrap ErrEmptyMessage, ErrConversationNotFound or
// ErrStoreFailure; resolver and tool failures are folded into the reply.
func (o *Orchestrator) ProcessTurn(ctx context.Context, ownerID, message, conversationID string) (TurnResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return TurnResult{}, ErrEmptyMessage
	}

	conv, err := o.resolveConversation(ownerID, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	log := slog.With("owner", ownerID, "conversation", conv.ID)

	userMsg, err := o.store.AppendMessage(ownerID, conv.ID, storage.RoleUser, message)
	if err != nil {
		return TurnResult{}, fmt.Errorf("%w: recording user message: %w", ErrStoreFailure, err)
	}

	history := o.history(conv.ID, userMsg.ID)

	out, err := o.resolver.Resolve(ctx, message, history)
	if err != nil {
		log.Warn("intent resolution failed", "error", err)
		out = intent.Output{Reply: intent.Apology}
	}

	invocations := make([]tools.Invocation, 0, len(out.ToolCalls))
	for _, call := range out.ToolCalls {
		inv := o.runner.Execute(ctx, ownerID, call.Name, call.Arguments)
		if !inv.Success && inv.Error != nil {
			log.Info("tool call failed", "tool", call.Name, "kind", inv.Error.Kind, "message", inv.Error.Message)
		}
		invocations = append(invocations, inv)
	}

	reply := ComposeReply(out.Reply, invocations)

	if _, err := o.store.AppendMessage(ownerID, conv.ID, storage.RoleAssistant, reply); err != nil {
		return TurnResult{}, fmt.Errorf("%w: recording assistant message: %w", ErrStoreFailure, err)
	}
	if err := o.store.TouchConversation(ownerID, conv.ID, o.now()); err != nil {
		return TurnResult{}, fmt.Errorf("%w: updating conversation: %w", ErrStoreFailure, err)
	}

	log.Debug("turn complete", "tool_calls", len(invocations))
	return TurnResult{ConversationID: conv.ID, Reply: reply, ToolInvocations: invocations}, nil
}

func (o *Orchestrator) resolveConversation(ownerID, conversationID string) (storage.Conversation, error) {
	if conversationID == "" {
		conv, err := o.store.CreateConversation(ownerID)
		if err != nil {
			return storage.Conversation{}, fmt.Errorf("%w: creating conversation: %w", ErrStoreFailure, err)
		}
		return conv, nil
	}

	conv, err := o.store.GetConversation(ownerID, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("%w: loading conversation: %w", ErrStoreFailure, err)
	}
	return conv, nil
}

// history returns up to historyLimit messages preceding the one just
// recorded. A read failure degrades to no history.
func (o *Orchestrator) history(conversationID string, currentID int64) []intent.Message {
	msgs, err := o.store.ListMessages(conversationID, o.historyLimit+1)
	if err != nil {
		slog.Warn("loading conversation history failed", "conversation", conversationID, "error", err)
		return nil
	}

	out := make([]intent.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == currentID {
			continue
		}
		out = append(out, intent.Message{Role: m.Role, Content: m.Content})
	}
	if len(out) > o.historyLimit {
		out = out[len(out)-o.historyLimit:]
	}
	return out
}

// ComposeReply appends one annotation per invocation, in order, to the
// resolver's reply.
func ComposeReply(reply string, invocations []tools.Invocation) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(reply))
	for _, inv := range invocations {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(annotate(inv))
	}
	return b.String()
}

func annotate(inv tools.Invocation) string {
	if inv.Success {
		summary := inv.Message()
		if summary == "" {
			raw, err := json.Marshal(inv.Result.Result)
			if err != nil {
				summary = "done"
			} else {
				summary = string(raw)
			}
		}
		return "**Action result**: " + summary
	}
	if inv.Error == nil {
		return "**Error**: " + inv.Name + " failed"
	}
	if inv.Error.Kind == tools.KindTimeout {
		return fmt.Sprintf("**Error**: the task service did not answer in time, so %s may or may not have been applied. Check your task list before retrying.", inv.Name)
	}
	return "**Error**: " + inv.Error.Message
}

// ListConversations returns the owner's conversations, most recent first.
func (o *Orchestrator) ListConversations(ownerID string, limit int) ([]storage.Conversation, error) {
	convs, err := o.store.ListConversations(ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing conversations: %w", ErrStoreFailure, err)
	}
	return convs, nil
}

// Messages returns a conversation's messages in chronological order after
// checking that ownerID owns it. limit <= 0 returns all messages.
func (o *Orchestrator) Messages(ownerID, conversationID string, limit int) ([]storage.Message, error) {
	if conversationID == "" {
		return nil, ErrConversationNotFound
	}
	if _, err := o.resolveConversation(ownerID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := o.store.ListMessages(conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing messages: %w", ErrStoreFailure, err)
	}
	return msgs, nil
}
