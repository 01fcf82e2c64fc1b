package repository

import (
	"context"
	"fmt"
)

// PostgresStore はPostgreSQLのトランザクション単位でSessionを提供する。
type PostgresStore struct {
	db TxBeginner
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db TxBeginner) *PostgresStore {
	return &PostgresStore{db: db}
}

type txSession struct {
	users *PostgresUserRepo
	jobs  *PostgresJobRepo
}

func (s *txSession) Users() UserRepository { return s.users }
func (s *txSession) Jobs() JobRepository   { return s.jobs }

// InSession はfnを1つのトランザクション内で実行する。
// fnがnilを返せばコミットし、エラーの場合はロールバックしてそのエラーを返す。
// fnがpanicした場合はロールバックしてから再度panicする。
func (s *PostgresStore) InSession(ctx context.Context, fn func(Session) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	sess := &txSession{
		users: NewPostgresUserRepo(tx),
		jobs:  NewPostgresJobRepo(tx),
	}
	if err := fn(sess); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
