package orchestrator

import (
	"context"
	"strings"
)

// buildContext assembles the injected context block for a prompt: the rolling
// session summary, up to QueryK semantic recalls, and up to RecentN recent
// entries, deduplicated and clipped to ContextTokenCap tokens. Memory
// failures degrade to a smaller block, never to an error.
func (o *Orchestrator) buildContext(ctx context.Context, sessionID, prompt string) string {
	var sections []string

	if summary, err := o.store.Summary(ctx, sessionID); err == nil && summary != "" {
		sections = append(sections, "Conversation summary: "+summary)
	}

	seen := map[string]bool{}

	if qr, err := o.store.Query(ctx, sessionID, prompt, o.cfg.QueryK); err == nil && len(qr.Matches) > 0 {
		lines := make([]string, 0, len(qr.Matches))
		for _, m := range qr.Matches {
			seen[m.Entry.ID] = true
			lines = append(lines, "- "+m.Entry.Content)
		}
		sections = append(sections, "Relevant memory:\n"+strings.Join(lines, "\n"))
	} else if err != nil {
		o.log.Debug("memory query degraded", "session", sessionID, "err", err)
	}

	if recent, err := o.store.Recent(ctx, sessionID, o.cfg.RecentN); err == nil {
		lines := make([]string, 0, len(recent))
		for _, e := range recent {
			if seen[e.ID] {
				continue
			}
			lines = append(lines, "- "+e.Content)
		}
		if len(lines) > 0 {
			sections = append(sections, "Recent messages:\n"+strings.Join(lines, "\n"))
		}
	}

	if len(sections) == 0 {
		return ""
	}
	return clipTokens(strings.Join(sections, "\n\n"), o.cfg.ContextTokenCap)
}

// clipTokens cuts s to at most n whitespace-separated tokens.
func clipTokens(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
