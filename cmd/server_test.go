package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"

	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/history"
	"github.com/airframesio/table-importer/cmd/importer"
	"github.com/airframesio/table-importer/cmd/joblog"
	"github.com/airframesio/table-importer/cmd/schema"
	"github.com/airframesio/table-importer/cmd/service"
	"github.com/airframesio/table-importer/cmd/snapshot"
)

// mockProvider hands out prepared mock databases by database name, in order.
type mockProvider struct {
	mu    sync.Mutex
	queue map[string][]*sql.DB
}

func (p *mockProvider) push(t *testing.T, database string) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		p.queue = make(map[string][]*sql.DB)
	}
	p.queue[database] = append(p.queue[database], db)
	return mock
}

func (p *mockProvider) Open(_ context.Context, cfg dbconn.Config) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue[cfg.Database]
	if len(q) == 0 {
		return nil, &dbconn.ConnectionError{Database: cfg.Database, Err: errors.New("connection refused")}
	}
	p.queue[cfg.Database] = q[1:]
	return q[0], nil
}

type testServer struct {
	server   *Server
	service  *service.Service
	provider *mockProvider
	sink     *joblog.Sink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	ts := &testServer{
		provider: &mockProvider{},
		sink:     joblog.NewSink(filepath.Join(dir, "import.log")),
	}
	ts.service = service.New(service.Options{
		Config: service.NewConfigStore(service.Settings{
			Source:   dbconn.Config{Host: "src.local", User: "u", Database: "source"},
			Target:   dbconn.Config{Host: "dst.local", User: "u", Password: "secret", Database: "target"},
			PageSize: 100,
		}),
		Provider: ts.provider,
		History:  history.NewStore(filepath.Join(dir, "import_history.json"), 50, quiet),
		Sink:     ts.sink,
		Workers:  1,
		Logger:   quiet,
	})
	ts.server = NewServer(ts.service, quiet)
	t.Cleanup(func() { ts.service.Close(context.Background()) })
	return ts
}

// do sends a request through the router and decodes the JSON envelope.
func (ts *testServer) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: response is not JSON: %q", method, path, rec.Body.String())
	}
	return rec.Code, out
}

func TestServerLogHistoryAndJobs(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.sink.Append("Import started"); err != nil {
		t.Fatal(err)
	}

	code, body := ts.do(t, http.MethodGet, "/api/log", "")
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("GET /api/log = %d %v", code, body)
	}
	if !strings.Contains(body["log"].(string), "Import started") {
		t.Errorf("log = %q", body["log"])
	}

	code, body = ts.do(t, http.MethodGet, "/api/history", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/history = %d", code)
	}
	if entries, ok := body["history"].([]interface{}); !ok || len(entries) != 0 {
		t.Errorf("history = %v, want empty list", body["history"])
	}

	code, body = ts.do(t, http.MethodGet, "/api/jobs", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/jobs = %d", code)
	}
	if jobs, ok := body["jobs"].([]interface{}); !ok || len(jobs) != 0 {
		t.Errorf("jobs = %v, want empty list", body["jobs"])
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		code, body = ts.do(t, method, "/api/jobs/missing", "")
		if code != http.StatusNotFound || body["success"] != false {
			t.Errorf("%s /api/jobs/missing = %d %v", method, code, body)
		}
	}
}

func TestServerImportValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"malformed json", `{`, http.StatusBadRequest, "invalid request body"},
		{"no mapping", `{"source_table":"a","target_table":"b","field_mapping":{}}`, http.StatusBadRequest, "at least one field must be mapped"},
		{"bad mode", `{"source_table":"a","target_table":"b","field_mapping":{"x":"y"},"import_mode":"merge"}`, http.StatusBadRequest, "import mode must be one of"},
		{"duplicate source", `{"source_table":"a","target_table":"b","field_mapping":{"x":"y","z":"y"}}`, http.StatusBadRequest, "source column is already mapped"},
		{"no source table", `{"target_table":"b","field_mapping":{"x":"y"}}`, http.StatusBadRequest, "source table is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := ts.do(t, http.MethodPost, "/api/import", tt.body)
			if code != tt.status {
				t.Errorf("status = %d, want %d (%v)", code, tt.status, body)
			}
			if body["success"] != false {
				t.Errorf("success = %v, want false", body["success"])
			}
			if msg, _ := body["message"].(string); !strings.Contains(msg, tt.message) {
				t.Errorf("message = %q, want it to contain %q", msg, tt.message)
			}
		})
	}
}

func TestServerImportRunsJob(t *testing.T) {
	ts := newTestServer(t)

	checkSrc := ts.provider.push(t, "source")
	checkDst := ts.provider.push(t, "target")
	expectMockTable(checkSrc, "old_news", "aid", "subject")
	expectMockTable(checkDst, "news", "id", "title")

	src := ts.provider.push(t, "source")
	dst := ts.provider.push(t, "target")
	expectMockTable(src, "old_news", "aid", "subject")
	expectMockTable(dst, "news", "id", "title")
	src.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `old_news`")).
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(int64(1)))
	src.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `old_news` ORDER BY `aid` LIMIT ? OFFSET ?")).
		WithArgs(100, 0).
		WillReturnRows(sqlmock.NewRows([]string{"aid", "subject"}).AddRow(int64(7), "hello"))
	dst.ExpectBegin()
	dst.ExpectExec("INSERT IGNORE INTO `news`").
		WithArgs(int64(7), "hello").
		WillReturnResult(sqlmock.NewResult(0, 1))
	dst.ExpectCommit()
	src.ExpectClose()
	dst.ExpectClose()

	code, body := ts.do(t, http.MethodPost, "/api/import",
		`{"source_table":"old_news","target_table":"news","field_mapping":{"id":"aid","title":"subject"}}`)
	if code != http.StatusAccepted {
		t.Fatalf("POST /api/import = %d %v", code, body)
	}
	id, _ := body["job_id"].(string)
	if id == "" {
		t.Fatalf("no job_id in %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := ts.service.Wait(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != importer.StateSucceeded || snap.ImportedRecords != 1 {
		t.Fatalf("job = %+v", snap)
	}

	code, body = ts.do(t, http.MethodGet, "/api/jobs/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/jobs/%s = %d", id, code)
	}
	job := body["job"].(map[string]interface{})
	if job["state"] != "succeeded" || job["progress"] != float64(100) {
		t.Errorf("job = %v", job)
	}

	if err := src.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if err := dst.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestServerImportRejectsUnknownTargetColumn(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.sink.Append("previous run"); err != nil {
		t.Fatal(err)
	}

	src := ts.provider.push(t, "source")
	dst := ts.provider.push(t, "target")
	expectMockTable(src, "old_news", "aid", "subject")
	expectMockTable(dst, "news", "id", "body")

	code, body := ts.do(t, http.MethodPost, "/api/import",
		`{"source_table":"old_news","target_table":"news","field_mapping":{"id":"aid","title":"subject"}}`)
	if code != http.StatusUnprocessableEntity || body["success"] != false {
		t.Fatalf("POST /api/import = %d %v, want 422", code, body)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "title") {
		t.Errorf("message = %q, want it to name the missing column", msg)
	}
	if _, ok := body["job_id"]; ok {
		t.Error("a rejected import must not return a job id")
	}

	if jobs := ts.service.Jobs(); len(jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(jobs))
	}
	if entries := ts.service.GetHistory(); len(entries) != 0 {
		t.Errorf("expected no history, got %+v", entries)
	}
	if text, _ := ts.service.GetLog(); !strings.Contains(text, "previous run") {
		t.Error("a rejected import must not clear the log")
	}
}

func expectMockTable(mock sqlmock.Sqlmock, table string, columns ...string) {
	mock.ExpectQuery("SHOW TABLES").WillReturnRows(sqlmock.NewRows([]string{"t"}).AddRow(table))
	desc := sqlmock.NewRows([]string{"Field", "Type", "Null", "Key", "Default", "Extra"})
	for i, c := range columns {
		key := ""
		if i == 0 {
			key = "PRI"
		}
		desc.AddRow(c, "varchar(64)", "NO", key, nil, "")
	}
	mock.ExpectQuery(regexp.QuoteMeta("DESCRIBE `" + table + "`")).WillReturnRows(desc)
}

func TestServerTablesAndPreview(t *testing.T) {
	ts := newTestServer(t)

	mock := ts.provider.push(t, "source")
	mock.ExpectQuery("SHOW TABLES").WillReturnRows(sqlmock.NewRows([]string{"t"}).AddRow("old_news").AddRow("users"))
	mock.ExpectClose()

	code, body := ts.do(t, http.MethodGet, "/api/tables?side=source", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/tables = %d %v", code, body)
	}
	if got := fmt.Sprint(body["tables"]); got != "[old_news users]" {
		t.Errorf("tables = %s", got)
	}

	code, _ = ts.do(t, http.MethodGet, "/api/tables?side=middle", "")
	if code != http.StatusBadRequest {
		t.Errorf("bad side status = %d, want 400", code)
	}

	preview := ts.provider.push(t, "source")
	preview.ExpectQuery("SHOW TABLES").WillReturnRows(sqlmock.NewRows([]string{"t"}).AddRow("old_news"))
	preview.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `old_news` LIMIT ?")).WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"aid", "subject"}).AddRow(int64(1), "a").AddRow(int64(2), nil))
	preview.ExpectClose()

	code, body = ts.do(t, http.MethodPost, "/api/preview", `{"table":"old_news","limit":2}`)
	if code != http.StatusOK {
		t.Fatalf("POST /api/preview = %d %v", code, body)
	}
	if body["total_previewed"] != float64(2) {
		t.Errorf("total_previewed = %v", body["total_previewed"])
	}
	rows := body["data"].([]interface{})
	second := rows[1].(map[string]interface{})
	if second["subject"] != "NULL" || second["aid"] != "2" {
		t.Errorf("second row = %v", second)
	}

	for _, m := range []sqlmock.Sqlmock{mock, preview} {
		if err := m.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	}
}

func TestServerConnectionFailure(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/test-connection", `{"side":"target"}`)
	if code != http.StatusBadGateway || body["success"] != false {
		t.Errorf("status = %d %v, want 502", code, body)
	}
	if msg := body["message"].(string); strings.Contains(msg, "secret") {
		t.Errorf("message leaks the password: %q", msg)
	}

	code, _ = ts.do(t, http.MethodPost, "/api/test-connection", `{"side":"sideways"}`)
	if code != http.StatusBadRequest {
		t.Errorf("bad side status = %d, want 400", code)
	}
}

func TestServerConfig(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/config", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/config = %d", code)
	}
	if body["version"] != float64(1) {
		t.Errorf("version = %v, want 1", body["version"])
	}
	settings := body["settings"].(map[string]interface{})
	target := settings["target"].(map[string]interface{})
	if target["password"] != "****" {
		t.Errorf("target password = %v, want redacted", target["password"])
	}

	// send the redacted settings back with a new page size
	settings["page_size"] = 250
	payload, err := json.Marshal(map[string]interface{}{"version": 1, "settings": settings})
	if err != nil {
		t.Fatal(err)
	}
	code, body = ts.do(t, http.MethodPut, "/api/config", string(payload))
	if code != http.StatusOK || body["version"] != float64(2) {
		t.Fatalf("PUT /api/config = %d %v", code, body)
	}

	current, version := ts.service.Settings()
	if version != 2 || current.PageSize != 250 {
		t.Errorf("settings = v%d page size %d", version, current.PageSize)
	}
	if current.Target.Password != "secret" {
		t.Errorf("target password = %q, want it kept", current.Target.Password)
	}

	code, body = ts.do(t, http.MethodPut, "/api/config", string(payload))
	if code != http.StatusConflict {
		t.Errorf("stale PUT status = %d %v, want 409", code, body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", importer.ErrJobNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: t", schema.ErrTableNotFound), http.StatusNotFound},
		{snapshot.ErrBackupExists, http.StatusConflict},
		{service.ErrStaleSettings, http.StatusConflict},
		{importer.ErrManagerClosed, http.StatusServiceUnavailable},
		{&dbconn.ConnectionError{Database: "d", Err: errors.New("refused")}, http.StatusBadGateway},
		{&importer.SchemaError{Table: "t", Fields: []string{"f"}}, http.StatusUnprocessableEntity},
		{dbconn.ErrNoConflictKey, http.StatusUnprocessableEntity},
		{importer.ErrEmptyMapping, http.StatusBadRequest},
		{snapshot.ErrInvalidRestoreMode, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLogWebSocket(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.sink.Append("first line"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.server.logs.run(ctx)

	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/log"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var msg LogMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "log" || !strings.Contains(msg.Log, "first line") {
		t.Fatalf("initial message = %+v", msg)
	}

	if err := ts.sink.Append("second line"); err != nil {
		t.Fatal(err)
	}
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("no update received: %v", err)
		}
		if strings.Contains(msg.Log, "second line") {
			break
		}
	}
}
