package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	txKey   contextKey = "db_tx"
	connKey contextKey = "db_conn"
)

// WithTx returns a context carrying an open transaction. Repositories pick
// it up so multi-statement operations share one transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// TxFromContext returns the transaction carried by the context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithConn returns a context carrying an acquired pool connection.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// ConnFromContext returns the connection carried by the context, or nil.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return conn
}
