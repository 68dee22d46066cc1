// Package dashboard distributes rule results to connected front ends.
//
// The Hub keeps the latest message per topic and replays it to clients that
// join late. The Server exposes the hub over WebSocket together with a small
// JSON API and Prometheus metrics.
//
// Every WebSocket message is a single text frame holding an Envelope:
//
//	{"command": "RULE_TABLE", "data": [...]}
package dashboard

import (
	"encoding/json"
	"fmt"
)

// Topics sent to clients.
const (
	// TopicRuleTable carries the whole evaluated rule table.
	TopicRuleTable = "RULE_TABLE"
	// TopicUpdatedRuleTable carries only the rules re-evaluated after a file change.
	TopicUpdatedRuleTable = "UPDATED_RULE_TABLE_MSG"
	// TopicUpdatedCode carries every rule's results for the changed file.
	TopicUpdatedCode = "UPDATED_CODE_MSG"
	// TopicError reports a rule table that could not be loaded. It is never queued.
	TopicError = "ERROR_MSG"
)

// Envelope is the wire format of every message.
type Envelope struct {
	Command string `json:"command"`
	Data    any    `json:"data"`
}

// Encode marshals data under command.
func Encode(command string, data any) ([]byte, error) {
	b, err := json.Marshal(Envelope{Command: command, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", command, err)
	}
	return b, nil
}

// ErrorMessage is the payload of TopicError.
type ErrorMessage struct {
	Message string `json:"message"`
}
