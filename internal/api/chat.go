package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nugget/tally/internal/auth"
	"github.com/nugget/tally/internal/turn"
)

// maxChatBody bounds the request body. The message itself is limited
// further by the turn dispatcher.
const maxChatBody = 64 << 10

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())

	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", errInvalidRequest, err))
		return
	}
	if req.ConversationID < 0 {
		s.writeError(w, fmt.Errorf("%w: conversation_id must be positive", errInvalidRequest))
		return
	}

	res, err := s.deps.Turns.HandleTurn(r.Context(), turn.Request{
		OwnerID:        owner,
		ConversationID: req.ConversationID,
		Text:           req.Message,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, res, s.logger)
}
