package mysql

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"

	"pawmise/deploy/migrations"
)

var embeddedMigrations = []string{
	"0001_create_users_pets.sql",
	"0002_create_tasks.sql",
	"0003_unique_active_pet.sql",
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func expectVersionTable(mock sqlmock.Sqlmock, applied ...string) {
	mock.ExpectExec(createVersionTable).WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version"})
	for _, version := range applied {
		rows.AddRow(version)
	}
	mock.ExpectQuery(selectVersions).WillReturnRows(rows)
}

func TestRunMigrationsAppliesPending(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	expectVersionTable(mock)
	for _, name := range embeddedMigrations {
		mock.ExpectBegin()
		for _, stmt := range readMigrationStatements(t, name) {
			mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.ExpectExec(insertVersion).
			WithArgs(migrationVersion(name), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	expectVersionTable(mock, "0001", "0002")
	mock.ExpectBegin()
	for _, stmt := range readMigrationStatements(t, "0003_unique_active_pet.sql") {
		mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(insertVersion).WithArgs("0003", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	statements := readMigrationStatements(t, "0001_create_users_pets.sql")
	db, mock := newMockDB(t)
	expectVersionTable(mock)
	mock.ExpectBegin()
	mock.ExpectExec(statements[0]).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := RunMigrations(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_create_users_pets.sql") {
		t.Fatalf("expected migration failure, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActivePetMigrationAddsUniqueKey(t *testing.T) {
	statements := readMigrationStatements(t, "0003_unique_active_pet.sql")
	if len(statements) != 1 {
		t.Fatalf("expected a single ALTER statement, got %q", statements)
	}
	for _, want := range []string{"active_user_id", "UNIQUE KEY uk_pets_active_user"} {
		if !strings.Contains(statements[0], want) {
			t.Fatalf("migration missing %q: %s", want, statements[0])
		}
	}
}

func TestMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_users_pets.sql": "0001",
		"0002.sql":                   "0002",
		"plain":                      "plain",
	}
	for name, want := range cases {
		if got := migrationVersion(name); got != want {
			t.Fatalf("migrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestMigratorOrdersFilesAndDropsComments(t *testing.T) {
	source := fstest.MapFS{
		"0002_second.sql": {Data: []byte("-- add column\nALTER TABLE pets ADD COLUMN x INT;\n")},
		"0001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);\n-- trailing note\nCREATE TABLE b (id INT);")},
		"0003_empty.sql":  {Data: []byte("-- nothing yet\n")},
		"README.md":       {Data: []byte("not a migration")},
	}
	loaded, err := NewMigrator(source).load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].version != "0001" || loaded[1].version != "0002" {
		t.Fatalf("unexpected migrations: %+v", loaded)
	}
	if got := loaded[0].statements; len(got) != 2 || got[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements: %q", got)
	}
	if got := loaded[1].statements; len(got) != 1 || strings.Contains(got[0], "--") {
		t.Fatalf("comment not stripped: %q", got)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func readMigrationStatements(t *testing.T, name string) []string {
	t.Helper()
	content, err := fs.ReadFile(migrations.Files, name)
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	statements := splitStatements(string(content))
	if len(statements) == 0 {
		t.Fatal("no statements in migration")
	}
	return statements
}
