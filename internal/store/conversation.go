package store

import (
	"context"
	"log/slog"

	"github.com/patrick-hofmann/koompl/internal/mail"
)

// NormalizeEntry canonicalises the threading fields of an entry before
// insert: message-id and reference lists are lower-cased and stripped of
// angle brackets.
func NormalizeEntry(e *MailEntry) {
	e.MessageID = mail.NormalizeMessageID(e.MessageID)
	e.InReplyTo = mail.MergeReferences(e.InReplyTo, nil)
	e.References = mail.MergeReferences(e.References, nil)
}

// DeriveConversationID resolves the thread root for an entry: the first
// referenced message already present in the store contributes its
// conversation id; otherwise the entry roots a new conversation at its own
// message-id. All store implementations share this rule so threading is
// backend-independent.
func DeriveConversationID(ctx context.Context, s MailStore, e *MailEntry) string {
	for _, id := range mail.MergeReferences(e.InReplyTo, e.References) {
		if ref, err := s.GetByMessageID(ctx, id); err == nil && ref.ConversationID != "" {
			return ref.ConversationID
		}
	}
	warnDanglingReply(e)
	return e.MessageID
}

// warnDanglingReply flags entries we sent as replies whose parent is not in
// the store. The entry still roots its own conversation; the log line makes
// the threading gap visible.
func warnDanglingReply(e *MailEntry) {
	if e.Kind == MailOutbound && len(e.InReplyTo) > 0 {
		slog.Warn("mail.reply_parent_missing",
			"message_id", e.MessageID,
			"in_reply_to", e.InReplyTo)
	}
}
