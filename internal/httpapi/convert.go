package httpapi

import (
	"github.com/agentbus/orchestrator/internal/store"
)

func viewSession(s *store.Session) sessionView {
	return sessionView{
		Name:            s.Name,
		Host:            s.Host.String,
		Status:          s.Status,
		AgentType:       s.AgentType.String,
		WorkingDir:      s.WorkingDir.String,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		ClosedAt:        s.ClosedAt.String,
		DiscordThreadID: s.DiscordThreadID.String,
		DiscordArchived: s.DiscordArchived,
		SlackThreadTS:   s.SlackThreadTS.String,
		SlackChannelID:  s.SlackChannelID.String,
		SlackArchived:   s.SlackArchived,
	}
}

func viewSessions(sessions []*store.Session) []sessionView {
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewSession(s))
	}
	return out
}

func viewMessage(m *store.Message) messageView {
	return messageView{
		ID:           m.ID,
		SessionName:  m.SessionName,
		Role:         m.Role,
		Content:      m.Content,
		Source:       m.Source,
		SourceID:     m.SourceID.String,
		SourceAuthor: m.SourceAuthor.String,
		Timestamp:    m.Timestamp,
		IngestedAt:   m.IngestedAt,
	}
}

func viewMessages(messages []*store.Message) []messageView {
	out := make([]messageView, 0, len(messages))
	for _, m := range messages {
		out = append(out, viewMessage(m))
	}
	return out
}

func viewQueueEntry(e *store.CommandQueueEntry) queueEntryView {
	return queueEntryView{
		ID:          e.ID,
		SessionName: e.SessionName,
		Host:        e.Host,
		Command:     e.Command,
		Status:      e.Status,
		Priority:    e.Priority,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		ExecutedAt:  e.ExecutedAt.String,
		Error:       e.Error.String,
	}
}

func viewQueueEntries(entries []*store.CommandQueueEntry) []queueEntryView {
	out := make([]queueEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewQueueEntry(e))
	}
	return out
}

func viewUsageSnapshot(s *store.UsageSnapshot) usageSnapshotView {
	return usageSnapshotView{
		ID:                    s.ID,
		Provider:              s.Provider,
		PolledAt:              s.PolledAt,
		RequestsLimit:         s.RequestsLimit.Int64,
		RequestsRemaining:     s.RequestsRemaining.Int64,
		RequestsReset:         s.RequestsReset.String,
		InputTokensLimit:      s.InputTokensLimit.Int64,
		InputTokensRemaining:  s.InputTokensRemaining.Int64,
		InputTokensReset:      s.InputTokensReset.String,
		OutputTokensLimit:     s.OutputTokensLimit.Int64,
		OutputTokensRemaining: s.OutputTokensRemaining.Int64,
		OutputTokensReset:     s.OutputTokensReset.String,
		TokensLimit:           s.TokensLimit.Int64,
		TokensRemaining:       s.TokensRemaining.Int64,
		TokensReset:           s.TokensReset.String,
		PollModel:             s.PollModel.String,
		PollStatusCode:        s.PollStatusCode.Int64,
		ErrorMessage:          s.ErrorMessage.String,
	}
}

func viewUsageSnapshots(snaps []*store.UsageSnapshot) []usageSnapshotView {
	out := make([]usageSnapshotView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, viewUsageSnapshot(s))
	}
	return out
}
