package sync

import "encoding/json"

// Usage is the token accounting a message may carry. Fields beyond the
// common counters are preserved verbatim.
type Usage struct {
	InputTokens  int64                      `json:"input_tokens,omitempty"`
	OutputTokens int64                      `json:"output_tokens,omitempty"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// ExtractUsage pulls usage data out of a message body. The top-level "usage"
// object wins; agent-event shapes nest it under data.message.usage.
// Returns nil when neither is present or the body is not a JSON object.
func ExtractUsage(content []byte) *Usage {
	var outer struct {
		Usage json.RawMessage `json:"usage"`
		Data  struct {
			Message struct {
				Usage json.RawMessage `json:"usage"`
			} `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(content, &outer); err != nil {
		return nil
	}

	raw := outer.Usage
	if len(raw) == 0 || string(raw) == "null" {
		raw = outer.Data.Message.Usage
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return parseUsage(raw)
}

func parseUsage(raw json.RawMessage) *Usage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	u := &Usage{Extra: make(map[string]json.RawMessage)}
	for k, v := range fields {
		switch k {
		case "input_tokens":
			json.Unmarshal(v, &u.InputTokens)
		case "output_tokens":
			json.Unmarshal(v, &u.OutputTokens)
		default:
			u.Extra[k] = v
		}
	}
	return u
}

// MarshalJSON flattens the known counters and preserved extras into one
// object, matching the shape the agent produced.
func (u *Usage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Extra)+2)
	for k, v := range u.Extra {
		out[k] = v
	}
	if u.InputTokens != 0 {
		out["input_tokens"] = u.InputTokens
	}
	if u.OutputTokens != 0 {
		out["output_tokens"] = u.OutputTokens
	}
	return json.Marshal(out)
}
