package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "boxlite.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func findRow(t *testing.T, rows []BoxRow, id string) *BoxRow {
	t.Helper()
	for i := range rows {
		if rows[i].ID == id {
			return &rows[i]
		}
	}
	t.Fatalf("row %s not found in %+v", id, rows)
	return nil
}

func TestUpsertRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := BoxRow{
		ID:         "01ABCDEFGHJKMNPQRSTVWXYZ0",
		Name:       "eager-turing",
		ConfigJSON: []byte(`{"image":"alpine"}`),
		State:      "Created",
		CreatedAt:  time.Now().Truncate(time.Second),
	}
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := findRow(t, rows, row.ID)
	if got.Name != row.Name || got.State != row.State {
		t.Errorf("got %+v, want name/state matching %+v", got, row)
	}
}

func TestUpsertUpdatesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := BoxRow{ID: "box-1", ConfigJSON: []byte(`{}`), State: "Created", CreatedAt: time.Now()}
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	row.State = "Running"
	row.ShimPID = 4242
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}

	rows, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := findRow(t, rows, row.ID)
	if got.State != "Running" || got.ShimPID != 4242 {
		t.Errorf("got %+v, want updated state/shimPID", got)
	}
}

func TestUpdateState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := BoxRow{ID: "box-1", ConfigJSON: []byte(`{"image":"alpine"}`), State: "Created", CreatedAt: time.Now()}
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.UpdateState(ctx, row.ID, "Running", 9001); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	rows, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := findRow(t, rows, row.ID)
	if got.State != "Running" || got.ShimPID != 9001 {
		t.Errorf("got %+v, want state Running, shimPID 9001", got)
	}
	if string(got.ConfigJSON) != `{"image":"alpine"}` {
		t.Errorf("UpdateState must not touch config_json, got %s", got.ConfigJSON)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"box-a", "box-b", "box-c"} {
		if err := s.Upsert(ctx, BoxRow{ID: id, ConfigJSON: []byte(`{}`), State: "Created", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	rows, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("List returned %d rows, want 3", len(rows))
	}

	if err := s.Delete(ctx, "box-b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rows, err = s.List(ctx)
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("List after delete returned %d rows, want 2", len(rows))
	}
}
