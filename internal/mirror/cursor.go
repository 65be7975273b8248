package mirror

import (
	"bufio"
	"fmt"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

// cursorGeneration is the compiled-in generation number. Bumping it
// forces every existing mirror's LOAD_CURSOR step to discard `status`
// and perform a full sync, per spec.md §4.6.
const cursorGeneration = 1

const (
	statusPath = "status.json"
	todoPath   = "todo"
)

// CursorState is the durable (generation, status) pair spec.md §3
// calls "Cursor": generation identifies the on-disk schema/semantics
// version, status is the last serial this mirror fully converged to.
type CursorState struct {
	Generation int   `json:"generation"`
	Status     int64 `json:"status"`
}

// LoadCursorState reads status.json, or returns a zero-value
// CursorState (generation 0, status 0) if it doesn't exist yet — the
// state of a brand-new mirror directory, which forces a full sync via
// the generation mismatch check below.
func LoadCursorState(storage *Storage) (*CursorState, error) {
	if !storage.Exists(statusPath) {
		return &CursorState{}, nil
	}
	raw, err := storage.ReadBinary(statusPath)
	if err != nil {
		return nil, errors.Wrap(err, "LoadCursorState")
	}
	var cs CursorState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, errors.Wrap(err, "LoadCursorState: decode")
	}
	return &cs, nil
}

// Save atomically persists the cursor state.
func (cs *CursorState) Save(storage *Storage) error {
	raw, err := json.Marshal(cs)
	if err != nil {
		return errors.Wrap(err, "CursorState.Save: encode")
	}
	return errors.Wrap(storage.WriteBinary(statusPath, raw), "CursorState.Save")
}

// NeedsFullSync reports whether the stored generation doesn't match
// the compiled-in one, per spec.md §4.6's LOAD_CURSOR step.
func (cs *CursorState) NeedsFullSync() bool {
	return cs.Generation != cursorGeneration
}

// TodoItem is one remaining unit of work: a project and the serial it
// was discovered at.
type TodoItem struct {
	Project string
	Serial  int64
}

// Todo is the crash-resumable work list spec.md §3 describes: a target
// serial followed by `<project>\t<serial>` lines.
type Todo struct {
	TargetSerial int64
	Items        []TodoItem
}

// ErrMalformedTodo is returned by LoadTodo when the file's first line
// isn't a parseable integer serial. The controller's response (per
// spec.md §4.6) is to delete the file and perform full discovery.
var ErrMalformedTodo = errors.New("malformed todo file")

// LoadTodo reads the todo file. It returns (nil, nil) if no todo file
// exists — there's nothing to resume, discovery should run fresh.
func LoadTodo(storage *Storage) (*Todo, error) {
	if !storage.Exists(todoPath) {
		return nil, nil
	}
	raw, err := storage.ReadBinary(todoPath)
	if err != nil {
		return nil, errors.Wrap(err, "LoadTodo")
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, ErrMalformedTodo
	}
	target, err := strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedTodo, err.Error())
	}

	todo := &Todo{TargetSerial: target}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return nil, errors.Wrapf(ErrMalformedTodo, "line %q", line)
		}
		serial, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedTodo, "line %q", line)
		}
		if err := pypi.ValidateProjectName(parts[0]); err != nil {
			return nil, errors.Wrapf(ErrMalformedTodo, "line %q", line)
		}
		todo.Items = append(todo.Items, TodoItem{Project: parts[0], Serial: serial})
	}
	return todo, nil
}

// NewTodo builds a Todo from a changelog delta: one item per affected
// project, all stamped with the batch's target serial (spec.md §4.6's
// DISCOVER step writes this atomically before DRAIN starts).
func NewTodo(targetSerial int64, projects []string) *Todo {
	items := make([]TodoItem, 0, len(projects))
	for _, p := range projects {
		items = append(items, TodoItem{Project: p, Serial: targetSerial})
	}
	return &Todo{TargetSerial: targetSerial, Items: items}
}

// Remove deletes project from the todo list in place, called as each
// worker finishes a project successfully.
func (t *Todo) Remove(project string) {
	out := t.Items[:0]
	for _, item := range t.Items {
		if item.Project != project {
			out = append(out, item)
		}
	}
	t.Items = out
}

// Save atomically rewrites the todo file.
func (t *Todo) Save(storage *Storage) error {
	var b strings.Builder
	w := bufio.NewWriter(&b)
	fmt.Fprintln(w, t.TargetSerial)
	for _, item := range t.Items {
		fmt.Fprintf(w, "%s\t%d\n", item.Project, item.Serial)
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "Todo.Save")
	}
	return errors.Wrap(storage.WriteBinary(todoPath, []byte(b.String())), "Todo.Save")
}

// DeleteTodo removes the todo file, called by FINALIZE once every
// project has succeeded.
func DeleteTodo(storage *Storage) error {
	if !storage.Exists(todoPath) {
		return nil
	}
	return errors.Wrap(storage.Delete(todoPath), "DeleteTodo")
}
