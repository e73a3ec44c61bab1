package sync

import "testing"

func TestExtractUsageOuter(t *testing.T) {
	u := ExtractUsage([]byte(`{"usage":{"input_tokens":5,"output_tokens":9,"cache_read_input_tokens":3}}`))
	if u == nil {
		t.Fatal("no usage extracted")
	}
	if u.InputTokens != 5 || u.OutputTokens != 9 {
		t.Errorf("usage = %+v", u)
	}
	if _, ok := u.Extra["cache_read_input_tokens"]; !ok {
		t.Error("extra counter dropped")
	}
}

func TestExtractUsageNested(t *testing.T) {
	u := ExtractUsage([]byte(`{"data":{"message":{"usage":{"input_tokens":1,"output_tokens":2}}}}`))
	if u == nil || u.InputTokens != 1 || u.OutputTokens != 2 {
		t.Errorf("usage = %+v", u)
	}
}

func TestExtractUsageOuterWins(t *testing.T) {
	u := ExtractUsage([]byte(`{"usage":{"input_tokens":7},"data":{"message":{"usage":{"input_tokens":99}}}}`))
	if u == nil || u.InputTokens != 7 {
		t.Errorf("usage = %+v, want outer shape", u)
	}
}

func TestExtractUsageAbsent(t *testing.T) {
	for _, content := range []string{`{"text":"hi"}`, `not json`, `{"usage":null}`, `[]`} {
		if u := ExtractUsage([]byte(content)); u != nil {
			t.Errorf("ExtractUsage(%s) = %+v, want nil", content, u)
		}
	}
}

func TestExtractTodos(t *testing.T) {
	direct := `{"name":"TodoWrite","input":{"todos":[{"text":"a","done":false}]}}`
	if got := ExtractTodos([]byte(direct)); string(got) != `[{"text":"a","done":false}]` {
		t.Errorf("direct shape: %s", got)
	}

	nested := `{"data":{"message":{"content":[
		{"type":"text","text":"working"},
		{"type":"tool_use","name":"TodoWrite","input":{"todos":["first"]}},
		{"type":"tool_use","name":"TodoWrite","input":{"todos":["second"]}}
	]}}}`
	if got := ExtractTodos([]byte(nested)); string(got) != `["second"]` {
		t.Errorf("nested shape: %s (last write should win)", got)
	}

	if got := ExtractTodos([]byte(`{"text":"nothing"}`)); got != nil {
		t.Errorf("no-todo message returned %s", got)
	}
}

func TestMergeMetadataRules(t *testing.T) {
	oldMeta := `{"name":"old","worktree":"/w/old","summary":{"text":"o","updated_at":50},"tag":"old-tag"}`
	newMeta := `{"worktree":"/w/new","summary":{"text":"n","updated_at":90},"tag":"new-tag"}`

	merged := parseObject(MergeMetadata(oldMeta, newMeta))
	if string(merged["name"]) != `"old"` {
		t.Errorf("name = %s, old should fill the gap", merged["name"])
	}
	if string(merged["worktree"]) != `"/w/new"` {
		t.Errorf("worktree = %s, present new value should win", merged["worktree"])
	}
	if summaryUpdatedAt(merged["summary"]) != 90 {
		t.Errorf("summary = %s, newer side should win", merged["summary"])
	}
	if string(merged["tag"]) != `"new-tag"` {
		t.Errorf("tag = %s, unknown keys take the new side", merged["tag"])
	}
}
