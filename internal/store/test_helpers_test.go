package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/protocol"
)

var testTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRepo creates a repo over a fresh store with one conversation.
func createTestRepo(t *testing.T, opts ...RepoOption) *Repo {
	t.Helper()
	r := NewRepo(createTestStore(t), opts...)
	if err := r.SaveConversation(context.Background(), testConversation("CON-1")); err != nil {
		t.Fatalf("SaveConversation() failed: %v", err)
	}
	return r
}

func testConversation(uuid string) model.Conversation {
	return model.Conversation{
		UUID:           uuid,
		Name:           "name-" + uuid,
		DataIncomplete: true,
		Created:        testTime,
		LastUpdated:    testTime,
	}
}

func testEvent(conversation, id string) model.Event {
	return model.Event{
		UUID:             model.EventUUID(conversation, id),
		ID:               id,
		ConversationUUID: conversation,
		Type:             protocol.TypeText,
		From:             "MEM-1",
		Timestamp:        testTime,
		Body:             map[string]any{"text": "hello " + id},
		Distribution:     []string{"MEM-1", "MEM-2"},
	}
}

func testDraft(conversation, tid string) model.Event {
	return model.Event{
		UUID:             model.DraftUUID(conversation, tid),
		ConversationUUID: conversation,
		Type:             protocol.TypeText,
		From:             "MEM-1",
		Timestamp:        testTime,
		Body:             map[string]any{"text": "draft", "tid": tid},
		TID:              tid,
		IsDraft:          true,
	}
}
