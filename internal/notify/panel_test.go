package notify

import (
	"errors"
	"testing"

	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/model"
	"github.com/sellerstudio/api/internal/taskstore"
)

func setup(t *testing.T) (*taskstore.Store, *Panel) {
	t.Helper()
	store := taskstore.New(taskstore.WithLogger(logger.Discard()))
	return store, NewPanel(store)
}

func add(store *taskstore.Store, userID string) string {
	return store.AddTask(model.TaskDescriptor{Type: model.TaskTypeImage, Progress: "Submitted", UserID: userID})
}

func TestView_SplitsPendingAndFinished(t *testing.T) {
	store, panel := setup(t)
	pending := add(store, "u1")
	done := add(store, "u1")
	failed := add(store, "u1")
	add(store, "u2")
	store.UpdateTaskStatus(done, model.TaskStatusCompleted, "Completed", "")
	store.UpdateTaskStatus(failed, model.TaskStatusFailed, "", "boom")

	view := panel.View("u1")
	if len(view.Pending) != 1 || view.Pending[0].ID != pending {
		t.Errorf("unexpected pending %+v", view.Pending)
	}
	if len(view.Completed) != 2 {
		t.Fatalf("expected 2 finished tasks, got %d", len(view.Completed))
	}
	if view.Completed[0].ID != failed || view.Completed[1].ID != done {
		t.Error("expected finished tasks newest first")
	}
}

func TestView_EmptyUser(t *testing.T) {
	_, panel := setup(t)
	view := panel.View("nobody")
	if view.Pending == nil || view.Completed == nil {
		t.Error("expected empty non-nil lists")
	}
}

func TestCancel(t *testing.T) {
	store, panel := setup(t)
	id := add(store, "u1")

	if err := panel.Cancel("u2", id); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for another user, got %v", err)
	}
	if err := panel.Cancel("u1", id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if store.Exists(id) {
		t.Error("cancelled task must be removed")
	}
	if err := panel.Cancel("u1", id); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDismiss(t *testing.T) {
	store, panel := setup(t)
	id := add(store, "u1")

	if err := panel.Dismiss("u1", id); !errors.Is(err, ErrTaskPending) {
		t.Errorf("expected ErrTaskPending, got %v", err)
	}
	store.UpdateTaskStatus(id, model.TaskStatusCompleted, "", "")
	if err := panel.Dismiss("u1", id); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if store.Exists(id) {
		t.Error("dismissed task must be removed")
	}
}

func TestClearAll(t *testing.T) {
	store, panel := setup(t)
	pending := add(store, "u1")
	done := add(store, "u1")
	other := add(store, "u2")
	store.UpdateTaskStatus(done, model.TaskStatusCompleted, "", "")
	store.UpdateTaskStatus(other, model.TaskStatusCompleted, "", "")

	if n := panel.ClearAll("u1"); n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if !store.Exists(pending) || !store.Exists(other) || store.Exists(done) {
		t.Error("ClearAll must only remove the user's finished tasks")
	}
}
