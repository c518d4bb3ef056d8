package rag

import "testing"

func TestHistoryMessagesRoles(t *testing.T) {
	msgs := historyMessages([]Message{
		{Role: RoleUser, Text: "any cholera in kenya?"},
		{Role: RoleModel, Text: "One outbreak reported."},
		{Role: "system", Text: "treated as user"},
	})
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "model" || msgs[2].Role != "user" {
		t.Fatalf("roles = %s/%s/%s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
}
