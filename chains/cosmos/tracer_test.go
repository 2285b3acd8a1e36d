package cosmos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type nodeConn struct {
	conn *websocket.Conn
	lock sync.Mutex
}

func (c *nodeConn) send(t *testing.T, id uint64, result string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	err := c.conn.WriteJSON(&rpcResponse{JsonRpc: "2.0", Id: mustJSON(t, id), Result: json.RawMessage(result)})
	if err != nil {
		t.Log("write failed: ", err)
	}
}

func (c *nodeConn) sendError(t *testing.T, id uint64, rpcErr *RPCError) {
	c.lock.Lock()
	defer c.lock.Unlock()

	err := c.conn.WriteJSON(&rpcResponse{JsonRpc: "2.0", Id: mustJSON(t, id), Error: rpcErr})
	if err != nil {
		t.Log("write failed: ", err)
	}
}

// fakeNode is a tendermint websocket endpoint answering with handle.
type fakeNode struct {
	t        *testing.T
	server   *httptest.Server
	handle   func(conn *nodeConn, req *rpcRequest)
	lock     sync.Mutex
	requests []*rpcRequest
}

func newFakeNode(t *testing.T, handle func(conn *nodeConn, req *rpcRequest)) *fakeNode {
	node := &fakeNode{t: t, handle: handle}
	upgrader := websocket.Upgrader{}

	node.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/websocket", r.URL.Path)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		nc := &nodeConn{conn: conn}
		for {
			req := &rpcRequest{}
			if err := conn.ReadJSON(req); err != nil {
				return
			}

			node.lock.Lock()
			node.requests = append(node.requests, req)
			node.lock.Unlock()

			node.handle(nc, req)
		}
	}))
	t.Cleanup(node.server.Close)

	return node
}

func (n *fakeNode) received() []*rpcRequest {
	n.lock.Lock()
	defer n.lock.Unlock()

	return append([]*rpcRequest{}, n.requests...)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	bz, err := json.Marshal(v)
	require.NoError(t, err)
	return bz
}

func waitOpen(t *testing.T, tracer *TxTracer) {
	require.Eventually(t, func() bool {
		return tracer.ReadyState() == ReadyStateOpen
	}, 5*time.Second, 5*time.Millisecond)
}

func txEvent(query, result string) string {
	return `{"query":"` + query + `","data":{"type":"tendermint/event/Tx","value":{"TxResult":{"height":"5","index":0,"tx":"","result":` + result + `}}}}`
}

func TestWsEndpoint(t *testing.T) {
	t.Parallel()

	require.Equal(t, "wss://rpc.bostrom.cybernode.ai/websocket", WsEndpoint("https://rpc.bostrom.cybernode.ai", "/websocket"))
	require.Equal(t, "ws://localhost:26657/websocket", WsEndpoint("http://localhost:26657/", ""))
	require.Equal(t, "ws://localhost:26657/websocket", WsEndpoint("ws://localhost:26657/websocket", "/websocket"))
}

func TestTxTracer_TraceTx_QueryWins(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		switch req.Method {
		case "tx_search":
			conn.send(t, req.Id, `{"txs":[{"hash":"ABCD"}],"total_count":"1"}`)
		case "subscribe":
			conn.send(t, req.Id, `{}`)
		}
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()

	query := TxQuery{
		{Key: "recv_packet.packet_dst_channel", Value: "channel-0"},
		{Key: "recv_packet.packet_sequence", Value: "5"},
	}
	result, err := tracer.TraceTx(context.Background(), query, TraceOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.JSONEq(t, `{"txs":[{"hash":"ABCD"}],"total_count":"1"}`, string(result))

	require.Eventually(t, func() bool {
		return len(node.received()) == 2
	}, 5*time.Second, 5*time.Millisecond)

	byMethod := make(map[string]*rpcRequest)
	for _, req := range node.received() {
		byMethod[req.Method] = req
	}
	require.Equal(t, "tm.event='Tx' AND recv_packet.packet_dst_channel='channel-0' AND recv_packet.packet_sequence='5'",
		byMethod["subscribe"].Params["query"])
	require.Equal(t, "recv_packet.packet_dst_channel='channel-0' AND recv_packet.packet_sequence='5'",
		byMethod["tx_search"].Params["query"])
	require.NotEqual(t, byMethod["subscribe"].Id, byMethod["tx_search"].Id)
}

func TestTxTracer_TraceTx_SubscriptionWins(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		switch req.Method {
		case "tx_search":
			conn.send(t, req.Id, `{"txs":[],"total_count":"0"}`)
		case "subscribe":
			conn.send(t, req.Id, `{}`)
			go func() {
				time.Sleep(20 * time.Millisecond)
				conn.send(t, req.Id, txEvent("tm.event='Tx'", `{"code":0,"log":"ok"}`))
			}()
		}
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()

	result, err := tracer.TraceTx(context.Background(), TxQuery{{Key: "a", Value: "x"}}, TraceOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.JSONEq(t, `{"code":0,"log":"ok"}`, string(result))
	require.Eventually(t, func() bool {
		return tracer.NumberOfSubscriberOrPendingQuery() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTxTracer_TraceTx_Timeout(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		switch req.Method {
		case "tx_search":
			conn.send(t, req.Id, `{"txs":[],"total_count":"0"}`)
		case "subscribe":
			conn.send(t, req.Id, `{}`)
		}
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()

	_, err := tracer.TraceTx(context.Background(), TxQuery{{Key: "a", Value: "x"}}, TraceOptions{Timeout: 200 * time.Millisecond})
	require.ErrorIs(t, err, ErrTraceTimeout)

	require.Eventually(t, func() bool {
		return tracer.NumberOfSubscriberOrPendingQuery() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTxTracer_TraceTx_Cancelled(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {})
	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := tracer.TraceTx(ctx, TxHashQuery([]byte{1, 2}), TraceOptions{Timeout: 5 * time.Second})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTxTracer_QueryBeforeOpenIsReplayed(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		if req.Method == "tx" {
			require.Equal(t, "AQI=", req.Params["hash"])
			conn.send(t, req.Id, `{"hash":"0102","height":"7"}`)
		}
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()

	// Registered while the tracer is still connecting.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := tracer.QueryTx(ctx, TxHashQuery([]byte{1, 2}))
	require.NoError(t, err)
	require.JSONEq(t, `{"hash":"0102","height":"7"}`, string(result))
}

func TestTxTracer_RpcErrorRejectsQuery(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		conn.sendError(t, req.Id, &RPCError{Code: -32603, Message: "Internal error", Data: "tx (0102) not found"})
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()
	waitOpen(t, tracer)

	_, err := tracer.QueryTx(context.Background(), TxHashQuery([]byte{1, 2}))
	rpcErr := &RPCError{}
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, "tx (0102) not found", rpcErr.Error())
}

func TestTxTracer_ConnectionLostRejectsPending(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		switch req.Method {
		case "subscribe":
			conn.send(t, req.Id, `{}`)
		case "tx_search":
			conn.conn.Close()
		}
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	waitOpen(t, tracer)

	errorCh := make(chan struct{}, 1)
	tracer.AddEventListener(EventError, func() { notify(errorCh) })

	subErrCh := make(chan error, 1)
	go func() {
		_, err := tracer.SubscribeTx(context.Background(), TxQuery{{Key: "a", Value: "x"}})
		subErrCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(node.received()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, tracer.NumberOfSubscriberOrPendingQuery())

	_, err := tracer.QueryTx(context.Background(), TxQuery{{Key: "a", Value: "x"}})
	require.ErrorIs(t, err, ErrConnectionLost)

	select {
	case err := <-subErrCh:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not rejected")
	}

	select {
	case <-errorCh:
	case <-time.After(5 * time.Second):
		t.Fatal("error listener was not called")
	}

	require.Equal(t, ReadyStateClosed, tracer.ReadyState())
	require.Equal(t, 0, tracer.NumberOfSubscriberOrPendingQuery())

	// Closed tracers are not reopened behind the caller's back.
	_, err = tracer.TraceTx(context.Background(), TxQuery{{Key: "a", Value: "x"}}, TraceOptions{Timeout: time.Second})
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestTxTracer_TraceTx_SurvivesConnectionLoss(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		if req.Method == "subscribe" {
			conn.send(t, req.Id, `{}`)
			conn.conn.Close()
		}
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()
	waitOpen(t, tracer)

	start := time.Now()
	_, err := tracer.TraceTx(context.Background(), TxQuery{{Key: "a", Value: "x"}}, TraceOptions{Timeout: 300 * time.Millisecond})
	require.ErrorIs(t, err, ErrTraceTimeout)
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	require.Equal(t, ReadyStateClosed, tracer.ReadyState())
}

func TestTxTracer_ReopenAfterClose(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		if req.Method == "tx" {
			conn.send(t, req.Id, `{"hash":"0102"}`)
		}
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()
	waitOpen(t, tracer)

	errored := make(chan struct{}, 1)
	tracer.AddEventListener(EventError, func() { notify(errored) })

	tracer.Close()
	require.Equal(t, ReadyStateClosed, tracer.ReadyState())
	tracer.Open()
	waitOpen(t, tracer)

	// The reader of the first connection must not touch the second one.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, ReadyStateOpen, tracer.ReadyState())
	require.Len(t, errored, 0)

	result, err := tracer.TraceTx(context.Background(), TxHashQuery([]byte{1, 2}), TraceOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.JSONEq(t, `{"hash":"0102"}`, string(result))
}

func TestTxTracer_UnreachableNode(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {})
	url := node.server.URL
	node.server.Close()

	tracer := NewTxTracer(url, "/websocket")
	_, err := tracer.TraceTx(context.Background(), TxQuery{{Key: "a", Value: "x"}}, TraceOptions{
		Timeout:           5 * time.Second,
		ConnectionTimeout: 2 * time.Second,
	})
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestTxTracer_SubscribeBlock(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {
		if req.Method == "subscribe" && req.Params["query"] == "tm.event='NewBlock'" {
			conn.send(t, req.Id, `{}`)
			conn.send(t, req.Id, `{"query":"tm.event='NewBlock'","data":{"type":"tendermint/event/NewBlock","value":{"block":{"header":{"height":"42"}}}}}`)
		}
	})

	tracer := NewTxTracer(node.server.URL, "/websocket")
	defer tracer.Close()

	blockCh := make(chan json.RawMessage, 1)
	unsubscribe := tracer.SubscribeBlock(func(block json.RawMessage) {
		blockCh <- block
	})

	select {
	case block := <-blockCh:
		require.JSONEq(t, `{"block":{"header":{"height":"42"}}}`, string(block))
	case <-time.After(5 * time.Second):
		t.Fatal("no block received")
	}

	unsubscribe()
	unsubscribe()
	require.Equal(t, 0, tracer.NumberOfSubscriberOrPendingQuery())
}

func TestTxTracer_Close(t *testing.T) {
	t.Parallel()

	node := newFakeNode(t, func(conn *nodeConn, req *rpcRequest) {})
	tracer := NewTxTracer(node.server.URL, "/websocket")
	waitOpen(t, tracer)

	closed := make(chan struct{}, 1)
	errored := make(chan struct{}, 1)
	tracer.AddEventListener(EventClose, func() { notify(closed) })
	tracer.AddEventListener(EventError, func() { notify(errored) })

	tracer.Close()
	tracer.Close()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close listener was not called")
	}
	require.Equal(t, ReadyStateClosed, tracer.ReadyState())
	require.Len(t, errored, 0)
}
