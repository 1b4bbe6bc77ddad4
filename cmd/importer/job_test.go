package importer

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/airframesio/table-importer/cmd/mapping"
)

func TestNewJobPageSize(t *testing.T) {
	tests := []struct {
		name     string
		request  int
		settings int
		want     int
	}{
		{"request wins", 100, 200, 100},
		{"settings fallback", 0, 200, 200},
		{"default", 0, 0, DefaultPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := articleRequest(t, ModeReplace)
			req.PageSize = tt.request
			job := NewJob(req, Settings{PageSize: tt.settings})
			if job.Request.PageSize != tt.want {
				t.Errorf("expected page size %d, got %d", tt.want, job.Request.PageSize)
			}
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob(articleRequest(t, ""), Settings{})
	if job.State() != StatePending || job.Request.Mode != ModeInsertIgnore {
		t.Fatalf("new job: %s %s", job.State(), job.Request.Mode)
	}
	if job.ID == "" || job.ID == NewJob(articleRequest(t, ""), Settings{}).ID {
		t.Fatal("job IDs must be unique")
	}

	if err := job.start(func() {}); err != nil {
		t.Fatal(err)
	}
	if err := job.start(func() {}); !errors.Is(err, ErrJobNotPending) {
		t.Fatalf("second start: %v", err)
	}
	if job.cancelPending() {
		t.Fatal("cancelPending must not touch a running job")
	}

	job.setTotal(10)
	job.setProgress(50)
	job.addImported(4)
	if got := job.addImported(3); got != 7 {
		t.Fatalf("expected 7 imported, got %d", got)
	}
	time.Sleep(time.Millisecond)
	if snap := job.Snapshot(); snap.State != StateRunning || snap.Progress != 50 || snap.Duration <= 0 {
		t.Fatalf("running snapshot: %+v", snap)
	}

	job.finish(nil)
	job.finish(errors.New("late")) // ignored once terminal
	snap := job.Snapshot()
	if snap.State != StateSucceeded || snap.Progress != 100 || snap.Error != "" || snap.ImportedRecords != 7 {
		t.Fatalf("finished snapshot: %+v", snap)
	}
	if !snap.State.Terminal() || StateRunning.Terminal() {
		t.Error("Terminal() mismatch")
	}
}

func TestJobCancelPending(t *testing.T) {
	job := NewJob(articleRequest(t, ModeReplace), Settings{})
	job.Cancel() // no cancel func yet
	if !job.cancelPending() {
		t.Fatal("pending job should cancel")
	}
	if job.State() != StateFailed || !errors.Is(job.Err(), ErrJobCancelled) {
		t.Fatalf("state %s err %v", job.State(), job.Err())
	}
	job.markDone()
	job.markDone()
	<-job.Done()
}

func TestJobCancelStopsContext(t *testing.T) {
	job := NewJob(articleRequest(t, ModeReplace), Settings{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := job.start(cancel); err != nil {
		t.Fatal(err)
	}
	job.Cancel()
	if ctx.Err() == nil {
		t.Fatal("Cancel did not cancel the job context")
	}
}

func TestJobCancelNeverLostAroundStart(t *testing.T) {
	for i := 0; i < 200; i++ {
		job := NewJob(articleRequest(t, ModeReplace), Settings{})
		ctx, cancel := context.WithCancel(context.Background())

		started := make(chan struct{})
		go func() {
			defer close(started)
			_ = job.start(cancel)
		}()

		// the same decision Manager.Cancel makes
		if !job.cancelPending() {
			job.Cancel()
		}
		<-started

		if job.State() == StateRunning && ctx.Err() == nil {
			t.Fatalf("iteration %d: running job was not cancelled", i)
		}
		cancel()
	}
}

func TestRequestValidate(t *testing.T) {
	m, _ := mapping.New(mapping.Pair{Target: "a", Source: "b"})
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"ok", Request{SourceTable: "s", TargetTable: "t", Mapping: m}, nil},
		{"bad mode", Request{SourceTable: "s", TargetTable: "t", Mapping: m, Mode: "merge"}, ErrInvalidMode},
		{"negative page", Request{SourceTable: "s", TargetTable: "t", Mapping: m, PageSize: -1}, ErrInvalidPageSize},
		{"empty mapping", Request{SourceTable: "s", TargetTable: "t"}, ErrEmptyMapping},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRequestJSON(t *testing.T) {
	body := `{
		"source_table": "articles",
		"target_table": "posts",
		"field_mapping": {"title": "subject", "id": "aid"},
		"default_values": {"status": "1"},
		"import_mode": "overwrite"
	}`
	var req Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	if req.Mode != ModeReplace {
		t.Errorf("overwrite should parse as replace, got %q", req.Mode)
	}
	if got := req.Mapping.Targets(); !reflect.DeepEqual(got, []string{"title", "id"}) {
		t.Errorf("mapping order lost: %v", got)
	}
	if v, _ := req.Defaults.Value("status"); v != "1" {
		t.Errorf("default status = %q", v)
	}

	if err := json.Unmarshal([]byte(`{"import_mode": "merge"}`), &req); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

func TestRowBuilder(t *testing.T) {
	m, _ := mapping.New(
		mapping.Pair{Target: "id", Source: "aid"},
		mapping.Pair{Target: "title", Source: "subject"},
		mapping.Pair{Target: "body", Source: "content"},
	)
	var d mapping.Defaults
	_ = d.Set("body", "n/a")
	_ = d.Set("views", "0")
	_ = d.Set("ratio", "0.5")
	_ = d.Set("note", "")

	columns := mapping.WriteColumns(m, d)
	b := newRowBuilder(columns, m, d, []string{"subject", "aid", "extra"})
	if b.width() != 6 {
		t.Fatalf("expected width 6, got %d", b.width())
	}

	got := b.appendRow(nil, []interface{}{"hello", int64(9), "ignored"})
	got = b.appendRow(got, []interface{}{"world", int64(10), "ignored"})
	want := []interface{}{
		int64(9), "hello", "n/a", int64(0), 0.5, nil,
		int64(10), "world", "n/a", int64(0), 0.5, nil,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
