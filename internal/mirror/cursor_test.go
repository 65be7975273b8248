package mirror

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestCursorStateRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	cs, err := LoadCursorState(s)
	if err != nil {
		t.Fatalf("LoadCursorState (fresh): %v", err)
	}
	if !cs.NeedsFullSync() {
		t.Error("fresh cursor should need a full sync (generation 0)")
	}

	cs.Generation = cursorGeneration
	cs.Status = 42
	if err := cs.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadCursorState(s)
	if err != nil {
		t.Fatalf("LoadCursorState (reload): %v", err)
	}
	if reloaded.NeedsFullSync() {
		t.Error("reloaded cursor at the compiled generation should not need a full sync")
	}
	if reloaded.Status != 42 {
		t.Errorf("Status = %d, want 42", reloaded.Status)
	}
}

func TestTodoSaveLoadRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	todo := NewTodo(100, []string{"numpy", "requests"})
	if err := todo.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadTodo(s)
	if err != nil {
		t.Fatalf("LoadTodo: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadTodo() = nil, want a todo")
	}
	if loaded.TargetSerial != 100 {
		t.Errorf("TargetSerial = %d, want 100", loaded.TargetSerial)
	}
	if len(loaded.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(loaded.Items))
	}
}

func TestTodoRemove(t *testing.T) {
	todo := NewTodo(1, []string{"a", "b", "c"})
	todo.Remove("b")
	if len(todo.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(todo.Items))
	}
	for _, item := range todo.Items {
		if item.Project == "b" {
			t.Error("Remove() did not remove project b")
		}
	}
}

func TestLoadTodoMissing(t *testing.T) {
	s := newTestStorage(t)
	todo, err := LoadTodo(s)
	if err != nil {
		t.Fatalf("LoadTodo: %v", err)
	}
	if todo != nil {
		t.Error("LoadTodo() on a fresh mirror should return (nil, nil)")
	}
}

func TestLoadTodoMalformed(t *testing.T) {
	s := newTestStorage(t)
	if err := s.WriteBinary(todoPath, []byte("not-a-number\n")); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}
	if _, err := LoadTodo(s); !errors.Is(err, ErrMalformedTodo) {
		t.Errorf("LoadTodo() error = %v, want ErrMalformedTodo", err)
	}
}

func TestLoadTodoMalformedLine(t *testing.T) {
	s := newTestStorage(t)
	if err := s.WriteBinary(todoPath, []byte("10\nnumpy-missing-serial\n")); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}
	if _, err := LoadTodo(s); !errors.Is(err, ErrMalformedTodo) {
		t.Errorf("LoadTodo() error = %v, want ErrMalformedTodo", err)
	}
}

func TestDeleteTodoIdempotent(t *testing.T) {
	s := newTestStorage(t)
	if err := DeleteTodo(s); err != nil {
		t.Fatalf("DeleteTodo on missing file: %v", err)
	}
	todo := NewTodo(1, []string{"a"})
	if err := todo.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := DeleteTodo(s); err != nil {
		t.Fatalf("DeleteTodo: %v", err)
	}
	if s.Exists(todoPath) {
		t.Error("todo file should be gone after DeleteTodo")
	}
}
