package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	var id int
	query := "INSERT INTO users (login, password, display_name) VALUES ($1, $2, $3) RETURNING id"

	err := r.db.QueryRowContext(ctx, query, u.Login, u.Password, u.DisplayName).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrLoginTaken
		}
		return nil, err
	}

	u.ID = id
	return u, nil
}

func (r *Repository) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	u := &User{}
	query := "SELECT id, login, display_name, password FROM users WHERE login = $1"

	err := r.db.QueryRowContext(ctx, query, login).Scan(&u.ID, &u.Login, &u.DisplayName, &u.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownLogin
		}
		return nil, err
	}

	return u, nil
}
