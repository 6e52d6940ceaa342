package tools

import (
	"encoding/json"
	"sort"
)

// CallContext carries the verified identity a tool call runs as. It is
// supplied by the server, never by the completion engine.
type CallContext struct {
	OwnerID        string
	ConversationID int64
}

// ownerKeys are argument names an engine might use to smuggle an
// identity into a call. They are removed before validation.
var ownerKeys = map[string]bool{
	"owner_id": true,
	"owner":    true,
	"ownerId":  true,
	"user_id":  true,
	"user":     true,
	"userId":   true,
}

// stripOwnerKeys deletes identity keys from args and returns the names
// it removed, sorted.
func stripOwnerKeys(args map[string]json.RawMessage) []string {
	var removed []string
	for k := range args {
		if ownerKeys[k] {
			removed = append(removed, k)
			delete(args, k)
		}
	}
	sort.Strings(removed)
	return removed
}
