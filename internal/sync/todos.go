package sync

import "encoding/json"

// ExtractTodos returns the todo list carried by a TodoWrite tool invocation
// inside a message body, or nil when the message carries none. Two shapes are
// recognized: a top-level tool call, and agent-event bodies where tool calls
// sit in data.message.content blocks.
func ExtractTodos(content []byte) json.RawMessage {
	var outer struct {
		Name  string `json:"name"`
		Input struct {
			Todos json.RawMessage `json:"todos"`
		} `json:"input"`
		Data struct {
			Message struct {
				Content []struct {
					Type  string `json:"type"`
					Name  string `json:"name"`
					Input struct {
						Todos json.RawMessage `json:"todos"`
					} `json:"input"`
				} `json:"content"`
			} `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(content, &outer); err != nil {
		return nil
	}

	if outer.Name == "TodoWrite" && len(outer.Input.Todos) > 0 {
		return outer.Input.Todos
	}
	// Last matching block wins: within one message the latest write is final.
	var found json.RawMessage
	for _, block := range outer.Data.Message.Content {
		if block.Type == "tool_use" && block.Name == "TodoWrite" && len(block.Input.Todos) > 0 {
			found = block.Input.Todos
		}
	}
	return found
}
