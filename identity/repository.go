package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("identity: account not found")
	// ErrDuplicateAddress signals that the address is already registered.
	ErrDuplicateAddress = errors.New("identity: address already exists")
)

// Repository handles data access for accounts.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccount(ctx context.Context, address string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Address     string
	DisplayName string
	SecretHash  string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (address, display_name, secret_hash)
		VALUES ($1, $2, $3)
		RETURNING address, display_name, secret_hash, created_at
	`

	var account Account
	err := r.pool.QueryRow(ctx, insertSQL, params.Address, params.DisplayName, params.SecretHash).
		Scan(&account.Address, &account.DisplayName, &account.SecretHash, &account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateAddress
		}
		return Account{}, fmt.Errorf("identity: create account: %w", err)
	}
	return account, nil
}

func (r *PGRepository) GetAccount(ctx context.Context, address string) (Account, error) {
	const query = `
		SELECT address, display_name, secret_hash, created_at
		FROM accounts
		WHERE address = $1
	`

	var account Account
	err := r.pool.QueryRow(ctx, query, address).
		Scan(&account.Address, &account.DisplayName, &account.SecretHash, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("identity: get account: %w", err)
	}
	return account, nil
}

// MemoryRepository implements Repository in memory, for tests and for
// deployments that do not run Postgres.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: make(map[string]Account)}
}

func (r *MemoryRepository) CreateAccount(_ context.Context, params CreateAccountParams) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[params.Address]; ok {
		return Account{}, ErrDuplicateAddress
	}
	account := Account{
		Address:     params.Address,
		DisplayName: params.DisplayName,
		SecretHash:  params.SecretHash,
		CreatedAt:   time.Now(),
	}
	r.accounts[params.Address] = account
	return account, nil
}

func (r *MemoryRepository) GetAccount(_ context.Context, address string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[address]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}
