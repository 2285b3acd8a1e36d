package core

import (
	"context"
	"encoding/json"

	"github.com/cybercongress/ibc-history/chains/cosmos"
	"go.uber.org/atomic"
)

type MockTracer struct {
	TraceTxFunc func(ctx context.Context, query cosmos.Query, opts cosmos.TraceOptions) (json.RawMessage, error)

	closed atomic.Bool
}

func (m *MockTracer) TraceTx(ctx context.Context, query cosmos.Query, opts cosmos.TraceOptions) (json.RawMessage, error) {
	if m.TraceTxFunc != nil {
		return m.TraceTxFunc(ctx, query, opts)
	}

	// Never resolves on its own.
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *MockTracer) Close() {
	m.closed.Store(true)
}

func (m *MockTracer) Closed() bool {
	return m.closed.Load()
}

type MockChainClient struct {
	TxSearchCountFunc func(ctx context.Context, query string) (string, error)
	GetTxFunc         func(ctx context.Context, hash string) (*cosmos.TxResponse, error)
}

func (m *MockChainClient) TxSearchCount(ctx context.Context, query string) (string, error) {
	if m.TxSearchCountFunc != nil {
		return m.TxSearchCountFunc(ctx, query)
	}

	return "0", nil
}

func (m *MockChainClient) GetTx(ctx context.Context, hash string) (*cosmos.TxResponse, error) {
	if m.GetTxFunc != nil {
		return m.GetTxFunc(ctx, hash)
	}

	return nil, nil
}
