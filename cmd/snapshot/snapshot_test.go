package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/airframesio/table-importer/cmd/compressors"
	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/schema"
)

func fixedNow(t *testing.T) {
	t.Helper()
	orig := now
	now = func() time.Time { return time.Date(2024, 3, 1, 14, 5, 9, 0, time.UTC) }
	t.Cleanup(func() { now = orig })
}

func expectTables(mock sqlmock.Sqlmock, names ...string) {
	expectDialectTables(mock, dbconn.MySQL{}, names...)
}

// expectDialectTables mocks d's own table listing query.
func expectDialectTables(mock sqlmock.Sqlmock, d dbconn.Dialect, names ...string) {
	rows := sqlmock.NewRows([]string{"name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	mock.ExpectQuery(regexp.QuoteMeta(d.ListTablesQuery())).WillReturnRows(rows)
}

func TestBackupName(t *testing.T) {
	got := BackupName("articles", time.Date(2024, 3, 1, 14, 5, 9, 0, time.UTC))
	if got != "articles_backup_20240301_140509" {
		t.Errorf("unexpected name %q", got)
	}
}

func TestBackup(t *testing.T) {
	fixedNow(t)

	t.Run("default name", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		expectTables(mock, "articles")
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE `articles_backup_20240301_140509` AS SELECT * FROM `articles`")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `articles_backup_20240301_140509`")).
			WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(int64(42)))

		res, err := Backup(context.Background(), db, dbconn.MySQL{}, "articles", "")
		if err != nil {
			t.Fatalf("Backup failed: %v", err)
		}
		if res.Table != "articles_backup_20240301_140509" || res.Rows != 42 {
			t.Errorf("unexpected result %+v", res)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	tests := []struct {
		name   string
		tables []string
		backup string
		want   error
	}{
		{"existing backup", []string{"articles", "mine"}, "mine", ErrBackupExists},
		{"missing source", []string{"other"}, "mine", schema.ErrTableNotFound},
		{"invalid name", nil, "bad name; DROP", schema.ErrInvalidIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, _ := sqlmock.New()
			defer db.Close()
			if tt.tables != nil {
				expectTables(mock, tt.tables...)
			}
			_, err := Backup(context.Background(), db, dbconn.MySQL{}, "articles", tt.backup)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestBackupThenOverwriteRestoreKeepsRowCount(t *testing.T) {
	fixedNow(t)

	tests := []struct {
		name    string
		dialect dbconn.Dialect
		rows    int64
	}{
		{"mysql", dbconn.MySQL{}, 42},
		{"postgres", dbconn.Postgres{}, 7},
		{"mysql empty table", dbconn.MySQL{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, _ := sqlmock.New()
			defer db.Close()
			d := tt.dialect
			backup := "articles_backup_20240301_140509"

			expectDialectTables(mock, d, "articles")
			mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE " + d.QuoteIdent(backup) + " AS SELECT * FROM " + d.QuoteIdent("articles"))).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM " + d.QuoteIdent(backup))).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.rows))

			// rows changed after the backup; overwrite must bring back exactly
			// the backed up rows
			expectDialectTables(mock, d, "articles", backup)
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(dbconn.ClearQuery(d, "articles"))).
				WillReturnResult(sqlmock.NewResult(0, tt.rows+3))
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO " + d.QuoteIdent("articles") + " SELECT * FROM " + d.QuoteIdent(backup))).
				WillReturnResult(sqlmock.NewResult(0, tt.rows))
			mock.ExpectCommit()

			saved, err := Backup(context.Background(), db, d, "articles", "")
			if err != nil {
				t.Fatalf("Backup failed: %v", err)
			}
			restored, err := Restore(context.Background(), db, d, "articles", saved.Table, RestoreOverwrite)
			if err != nil {
				t.Fatalf("Restore failed: %v", err)
			}
			if restored.Rows != saved.Rows {
				t.Errorf("restored %d rows, backup held %d", restored.Rows, saved.Rows)
			}
			if restored.Table != "articles" {
				t.Errorf("restored into %q", restored.Table)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestRestore(t *testing.T) {
	t.Run("overwrite", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		expectDialectTables(mock, dbconn.Postgres{}, "articles", "articles_backup_1")
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "articles"`)).WillReturnResult(sqlmock.NewResult(0, 7))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "articles" SELECT * FROM "articles_backup_1"`)).
			WillReturnResult(sqlmock.NewResult(0, 5))
		mock.ExpectCommit()

		res, err := Restore(context.Background(), db, dbconn.Postgres{}, "articles", "articles_backup_1", RestoreOverwrite)
		if err != nil || res.Rows != 5 {
			t.Fatalf("Restore = %+v, %v", res, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("append rolls back on failure", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		expectTables(mock, "articles", "articles_backup_1")
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO `articles`").WillReturnError(errors.New("duplicate entry"))
		mock.ExpectRollback()

		if _, err := Restore(context.Background(), db, dbconn.MySQL{}, "articles", "articles_backup_1", RestoreAppend); err == nil {
			t.Fatal("expected error")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("missing backup", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		expectTables(mock, "articles")
		_, err := Restore(context.Background(), db, dbconn.MySQL{}, "articles", "articles_backup_1", "")
		if !errors.Is(err, ErrBackupNotFound) {
			t.Fatalf("expected ErrBackupNotFound, got %v", err)
		}
	})

	t.Run("bad mode", func(t *testing.T) {
		_, err := Restore(context.Background(), nil, dbconn.MySQL{}, "a", "b", "merge")
		if !errors.Is(err, ErrInvalidRestoreMode) {
			t.Fatalf("expected ErrInvalidRestoreMode, got %v", err)
		}
	})
}

func TestListBackups(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	expectTables(mock, "articles", "articles_backup_20240301_140509", "Old_BACKUP", "users")

	got, err := ListBackups(context.Background(), db, dbconn.MySQL{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"articles_backup_20240301_140509", "Old_BACKUP"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPreview(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	expectTables(mock, "articles")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `articles` LIMIT ?")).WithArgs(DefaultPreviewLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "body"}).
			AddRow(int64(1), []byte("标题"), nil).
			AddRow(int64(2), "second", 1.5))

	sample, err := Preview(context.Background(), db, dbconn.MySQL{}, "articles", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := Sample{
		Columns: []string{"id", "title", "body"},
		Rows:    [][]string{{"1", "标题", "NULL"}, {"2", "second", "1.5"}},
	}
	if !reflect.DeepEqual(sample, want) {
		t.Errorf("expected %+v, got %+v", want, sample)
	}

	expectTables(mock, "articles")
	if _, err := Preview(context.Background(), db, dbconn.MySQL{}, "nope", 5); !errors.Is(err, schema.ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
}

func TestPathTemplate(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 5, 9, 0, time.UTC)
	tests := []struct {
		tmpl string
		want string
	}{
		{DefaultPathTemplate, "exports/articles/2024/03/01/articles-2024030114"},
		{"{table}/{HH}", "articles/14"},
		{"static", "static"},
	}
	for _, tt := range tests {
		if got := PathTemplate(tt.tmpl).Generate("articles", ts); got != tt.want {
			t.Errorf("Generate(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

type fakeUploader struct {
	input *s3manager.UploadInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3manager.UploadOutput{Location: "https://s3.local/" + aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Key)}, nil
}

func TestExport(t *testing.T) {
	fixedNow(t)

	tests := []struct {
		format, compression string
		key, contentType    string
		want                string
	}{
		{"jsonl", "zstd", "t/articles.jsonl.zst", "application/zstd",
			`{"id":1,"title":"a"}` + "\n" + `{"id":2,"title":null}` + "\n"},
		{"csv", "gzip", "t/articles.csv.gz", "application/gzip", "id,title\n1,a\n2,\n"},
		{"csv", "none", "t/articles.csv", "text/csv", "id,title\n1,a\n2,\n"},
		{"jsonl", "lz4", "t/articles.jsonl.lz4", "application/x-lz4",
			`{"id":1,"title":"a"}` + "\n" + `{"id":2,"title":null}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.format+"/"+tt.compression, func(t *testing.T) {
			db, mock, _ := sqlmock.New()
			defer db.Close()
			expectTables(mock, "articles")
			mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `articles`")).
				WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(int64(1), []byte("a")).AddRow(int64(2), nil))

			up := &fakeUploader{}
			res, err := Export(context.Background(), db, dbconn.MySQL{}, "articles", ExportOptions{
				Bucket:       "archive",
				PathTemplate: "t/{table}",
				Format:       tt.format,
				Compression:  tt.compression,
			}, up)
			if err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if res.Key != tt.key || res.Rows != 2 || res.Location != "https://s3.local/archive/"+tt.key {
				t.Errorf("unexpected result %+v", res)
			}
			if got := aws.StringValue(up.input.ContentType); got != tt.contentType {
				t.Errorf("expected content type %s, got %s", tt.contentType, got)
			}

			c, _ := compressors.Get(tt.compression)
			r, err := c.NewReader(bytes.NewReader(up.body))
			if err != nil {
				t.Fatal(err)
			}
			got, _ := io.ReadAll(r)
			if string(got) != tt.want {
				t.Errorf("unexpected body:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestExportFailures(t *testing.T) {
	fixedNow(t)

	t.Run("no bucket", func(t *testing.T) {
		if _, err := Export(context.Background(), nil, dbconn.MySQL{}, "a", ExportOptions{}, &fakeUploader{}); !errors.Is(err, ErrBucketRequired) {
			t.Fatalf("expected ErrBucketRequired, got %v", err)
		}
	})

	t.Run("query error", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		expectTables(mock, "articles")
		mock.ExpectQuery("SELECT").WillReturnError(errors.New("lost connection"))

		_, err := Export(context.Background(), db, dbconn.MySQL{}, "articles", ExportOptions{Bucket: "b"}, &fakeUploader{})
		if err == nil || !strings.Contains(err.Error(), "lost connection") {
			t.Fatalf("expected query error, got %v", err)
		}
	})

	t.Run("upload error", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		expectTables(mock, "articles")
		mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

		up := &fakeUploader{err: errors.New("access denied")}
		_, err := Export(context.Background(), db, dbconn.MySQL{}, "articles", ExportOptions{Bucket: "b"}, up)
		if err == nil || !strings.Contains(err.Error(), "access denied") {
			t.Fatalf("expected upload error, got %v", err)
		}
	})
}
