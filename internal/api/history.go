package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nugget/tally/internal/agent"
	"github.com/nugget/tally/internal/auth"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/turn"
	"github.com/nugget/tally/internal/usage"
)

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, fmt.Errorf("%w: limit must be a positive integer", errInvalidRequest))
			return
		}
		limit = n
	}

	convs, err := s.deps.Conversations.ListConversations(r.Context(), owner, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if convs == nil {
		convs = []conversation.Summary{}
	}
	writeJSON(w, map[string]any{"conversations": convs}, s.logger)
}

// MessageView is one message in a history listing. Assistant content is
// the reply text; the tool calls behind it are listed separately.
type MessageView struct {
	ID        int64                  `json:"id"`
	Role      conversation.Role      `json:"role"`
	Content   string                 `json:"content"`
	HTML      string                 `json:"html,omitempty"`
	ToolCalls []turn.ToolCallSummary `json:"tool_calls,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, fmt.Errorf("%w: invalid conversation id", errInvalidRequest))
		return
	}
	renderHTML := r.URL.Query().Get("render") == "html"

	msgs, err := s.deps.Conversations.History(r.Context(), id, owner, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
		if m.Role == conversation.RoleAssistant {
			reply := agent.DecodeReply(m.Content)
			v.Content = reply.Text
			if calls := turn.SummarizeCalls(reply); len(calls) > 0 {
				v.ToolCalls = calls
			}
			if renderHTML {
				if v.HTML, err = markdownToHTML(reply.Text); err != nil {
					s.logger.Warn("markdown render failed", "message_id", m.ID, "error", err)
				}
			}
		}
		views = append(views, v)
	}
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"messages":        views,
	}, s.logger)
}

// markdownToHTML renders assistant markdown to an HTML fragment.
// goldmark's default renderer drops raw HTML from the source.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// usageResponse is the body of GET /v1/usage.
type usageResponse struct {
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, fmt.Errorf("%w: hours must be a positive integer", errInvalidRequest))
			return
		}
		hours = n
	}
	end := s.now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.deps.Usage.Summary(r.Context(), owner, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	byModel, err := s.deps.Usage.SummaryByModel(r.Context(), owner, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, usageResponse{Start: start, End: end, Total: total, ByModel: byModel}, s.logger)
}
