package sessions

import (
	"context"
	"testing"
)

func TestManager_GetOrCreateAndSave(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	ctx := context.Background()
	s, err := mgr.GetOrCreate(ctx, "cli:direct")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Messages) != 0 {
		t.Fatalf("new session has %d messages", len(s.Messages))
	}

	s.AddMessage("user", "What's 2+2?")
	s.AddMessage("assistant", "4")
	if err := mgr.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	again, err := mgr.GetOrCreate(ctx, "cli:direct")
	if err != nil {
		t.Fatal(err)
	}
	if again != s {
		t.Error("expected cached session instance")
	}
	history := again.History()
	if len(history) != 2 || history[0].Role != "user" || history[1].Content != "4" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestManager_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := mgr.GetOrCreate(ctx, "telegram:42")
	s.AddMessage("user", "remember me")
	if err := mgr.Save(ctx, s); err != nil {
		t.Fatal(err)
	}
	mgr.Close()

	reopened, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	loaded, err := reopened.GetOrCreate(ctx, "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "remember me" {
		t.Errorf("history not persisted: %+v", loaded.Messages)
	}

	keys, err := reopened.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "telegram:42" {
		t.Errorf("unexpected keys: %v", keys)
	}
}
