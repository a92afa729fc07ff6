package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hitoshi/stationops/internal/model"
	"github.com/lib/pq"
)

var userRowColumns = []string{
	"id", "email", "password_hash", "is_active", "is_superuser", "roles",
	"first_name", "last_name", "dj_name", "search_index", "last_login", "created_at", "updated_at",
}

func newUserRepoWithMock(t *testing.T) (*PostgresUserRepo, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresUserRepo(db), mock, db
}

func TestPostgresUserRepo_FindByEmail_Found(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastLogin := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u-1", "dj@example.org", []byte("$2a$10$hash"), true, false, "{dj,reviewer}",
			"Ada", "Lovelace", "DJ Ada", "{ada,lovelace,dj}", lastLogin, created, created)

	mock.ExpectQuery(`(?s)^SELECT .+ FROM users WHERE email = \$1$`).
		WithArgs("dj@example.org").
		WillReturnRows(rows)

	got, err := repo.FindByEmail(context.Background(), "  DJ@Example.org ")
	if err != nil {
		t.Fatalf("FindByEmail error: %v", err)
	}
	if got == nil {
		t.Fatal("expected user, got nil")
	}
	if got.ID != "u-1" || got.Email != "dj@example.org" {
		t.Errorf("unexpected user: %+v", got)
	}
	if !got.Roles.Has(model.RoleDJ) || !got.Roles.Has(model.RoleReviewer) {
		t.Errorf("Roles = %v, want dj and reviewer", got.Roles.Strings())
	}
	if got.Roles.Has(model.RoleMusicDirector) {
		t.Error("Roles unexpectedly contains music_director")
	}
	if len(got.SearchIndex) != 3 {
		t.Errorf("SearchIndex = %v, want 3 terms", got.SearchIndex)
	}
	if got.LastLogin == nil || !got.LastLogin.Equal(lastLogin) {
		t.Errorf("LastLogin = %v, want %v", got.LastLogin, lastLogin)
	}
	if !got.HasPassword() {
		t.Error("HasPassword() = false, want true")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresUserRepo_FindByEmail_NullPasswordAndLastLogin(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u-2", "new@example.org", nil, true, false, "{}",
			"New", "Volunteer", "", "{}", nil, now, now)

	mock.ExpectQuery(`FROM users WHERE email = \$1`).
		WithArgs("new@example.org").
		WillReturnRows(rows)

	got, err := repo.FindByEmail(context.Background(), "new@example.org")
	if err != nil {
		t.Fatalf("FindByEmail error: %v", err)
	}
	if got.HasPassword() {
		t.Error("HasPassword() = true, want false for NULL password_hash")
	}
	if got.LastLogin != nil {
		t.Errorf("LastLogin = %v, want nil", got.LastLogin)
	}
}

func TestPostgresUserRepo_FindByEmail_NotFound(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM users WHERE email = \$1`).
		WithArgs("ghost@example.org").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.FindByEmail(context.Background(), "ghost@example.org")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil user, got %+v", got)
	}
}

func TestPostgresUserRepo_FindByEmail_UnknownRoleInRow(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u-3", "odd@example.org", nil, true, false, "{station_manager}",
			"", "", "", "{}", nil, now, now)

	mock.ExpectQuery(`FROM users WHERE email = \$1`).
		WithArgs("odd@example.org").
		WillReturnRows(rows)

	if _, err := repo.FindByEmail(context.Background(), "odd@example.org"); err == nil {
		t.Fatal("expected error for unknown role tag, got nil")
	}
}

func TestPostgresUserRepo_Create_DuplicateEmail(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^INSERT INTO users`).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Create(context.Background(), &model.Identity{
		ID:    "u-1",
		Email: "dj@example.org",
		Roles: model.NewRoleSet(model.RoleDJ),
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestPostgresUserRepo_Create_Success(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(`^INSERT INTO users`).
		WithArgs("u-1", "dj@example.org", sqlmock.AnyArg(), true, false, sqlmock.AnyArg(),
			"Ada", "Lovelace", "", sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &model.Identity{
		ID:          "u-1",
		Email:       "dj@example.org",
		IsActive:    true,
		Roles:       model.NewRoleSet(model.RoleDJ),
		FirstName:   "Ada",
		LastName:    "Lovelace",
		SearchIndex: []string{"ada"},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresUserRepo_Update_NotFound(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE users SET is_active`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &model.Identity{ID: "missing", Roles: model.NewRoleSet()})
	if err == nil {
		t.Fatal("expected error for missing user, got nil")
	}
}

func TestPostgresUserRepo_UpdatePassword(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE users SET password_hash = \$2`).
		WithArgs("u-1", []byte("new-hash")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdatePassword(context.Background(), "u-1", []byte("new-hash")); err != nil {
		t.Fatalf("UpdatePassword error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresUserRepo_UpdateLastLogin_DBError(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	at := time.Now()
	mock.ExpectExec(`^UPDATE users SET last_login = \$2`).
		WithArgs("u-1", at).
		WillReturnError(errors.New("db down"))

	err := repo.UpdateLastLogin(context.Background(), "u-1", at)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPostgresUserRepo_List_OrdersActiveFirst(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u-1", "a@example.org", nil, true, false, "{dj}", "Ann", "Abbot", "", "{}", nil, now, now).
		AddRow("u-2", "b@example.org", nil, false, false, "{}", "Bob", "Baker", "", "{}", nil, now, now)

	mock.ExpectQuery(`(?s)FROM users\s+ORDER BY is_active DESC, last_name, first_name`).
		WillReturnRows(rows)

	got, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].IsActive || got[1].IsActive {
		t.Errorf("unexpected order: %v, %v", got[0].IsActive, got[1].IsActive)
	}
}

func TestPostgresUserRepo_Search(t *testing.T) {
	repo, mock, db := newUserRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u-1", "a@example.org", nil, true, false, "{dj}", "Ann", "Abbot", "", "{an,ann,ab}", nil, now, now)

	mock.ExpectQuery(`(?s)WHERE is_active AND search_index @> ARRAY\[\$1\]::text\[\].+LIMIT \$2`).
		WithArgs("ann", 10).
		WillReturnRows(rows)

	got, err := repo.Search(context.Background(), "ann", 10)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "u-1" {
		t.Errorf("Search = %+v, want u-1", got)
	}
}
