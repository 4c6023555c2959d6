package outbox

import (
	"context"
)

type txContextKey struct{}

// WithTx returns a context carrying an ambient transaction token.
// Adapters consult it when no explicit token is passed to Publish, so
// event writes commit atomically with the caller's business write.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the ambient transaction token, if any.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx := ctx.Value(txContextKey{})
	if tx == nil {
		return nil, false
	}
	return tx, true
}

// ResolveTx applies the resolution order for publishing: explicit token
// first, then the ambient token from the context, then nil (standalone
// commit with the adapter's native client).
func ResolveTx(ctx context.Context, explicit Tx) Tx {
	if explicit != nil {
		return explicit
	}
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return nil
}
