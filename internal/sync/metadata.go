package sync

import "encoding/json"

// Named metadata fields the hub understands. Everything else in the blob is
// opaque and passes through untouched.
const (
	metaName     = "name"
	metaSummary  = "summary"
	metaWorktree = "worktree"
	metaPath     = "path"
	metaHost     = "host"
)

// MergeMetadata combines the metadata of a session being merged away (old)
// into its successor (new):
//
//  1. name: old wins only when new lacks it.
//  2. summary: the side with the greater summary.updatedAt wins.
//  3. worktree, path, host: old wins only when new lacks it.
//  4. every other key: new wins.
//
// Inputs that fail to parse are treated as empty objects.
func MergeMetadata(oldMeta, newMeta string) string {
	oldFields := parseObject(oldMeta)
	newFields := parseObject(newMeta)

	merged := make(map[string]json.RawMessage, len(oldFields)+len(newFields))
	for k, v := range newFields {
		merged[k] = v
	}

	for _, key := range []string{metaName, metaWorktree, metaPath, metaHost} {
		if _, ok := merged[key]; !ok {
			if v, ok := oldFields[key]; ok {
				merged[key] = v
			}
		}
	}

	oldSummary, oldOK := oldFields[metaSummary]
	newSummary, newOK := newFields[metaSummary]
	switch {
	case oldOK && !newOK:
		merged[metaSummary] = oldSummary
	case oldOK && newOK:
		if summaryUpdatedAt(oldSummary) > summaryUpdatedAt(newSummary) {
			merged[metaSummary] = oldSummary
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return newMeta
	}
	return string(out)
}

func parseObject(s string) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage)
	if s == "" {
		return fields
	}
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return make(map[string]json.RawMessage)
	}
	return fields
}

func summaryUpdatedAt(raw json.RawMessage) int64 {
	var s struct {
		UpdatedAt int64 `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	return s.UpdatedAt
}
