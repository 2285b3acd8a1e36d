package cosmos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sisu-network/lib/log"
	"go.uber.org/atomic"
)

type ReadyState int32

const (
	ReadyStateConnecting ReadyState = iota
	ReadyStateOpen
	ReadyStateClosing
	ReadyStateClosed
)

func (s ReadyState) String() string {
	switch s {
	case ReadyStateConnecting:
		return "connecting"
	case ReadyStateOpen:
		return "open"
	case ReadyStateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type EventType string

const (
	EventOpen    EventType = "open"
	EventClose   EventType = "close"
	EventError   EventType = "error"
	EventMessage EventType = "message"
)

const (
	DefaultTraceTimeout      = 120 * time.Second
	DefaultConnectionTimeout = 15 * time.Second
)

type TraceOptions struct {
	// Timeout bounds the whole trace.
	Timeout time.Duration
	// ConnectionTimeout bounds the wait for the socket to open.
	ConnectionTimeout time.Duration
}

func (o TraceOptions) withDefaults() TraceOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTraceTimeout
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}

	return o
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method   string
	params   map[string]interface{}
	resultCh chan callResult
}

func newPendingCall(method string, params map[string]interface{}) *pendingCall {
	return &pendingCall{
		method:   method,
		params:   params,
		resultCh: make(chan callResult, 1),
	}
}

type blockSub struct {
	id      uint64
	handler func(block json.RawMessage)
}

type listener struct {
	id uint64
	fn func()
}

// TxTracer keeps one websocket connection to a tendermint node and multiplexes subscriptions and
// one-shot queries over it.
type TxTracer struct {
	wsUrl  string
	dialer *websocket.Dialer

	state  *atomic.Int32
	nextId *atomic.Uint64

	lock           *sync.Mutex
	conn           *websocket.Conn
	closeRequested bool
	blockSubs      []*blockSub
	blockSubId     uint64
	txSubs         map[uint64]*pendingCall
	queries        map[uint64]*pendingCall
	listeners      map[EventType][]*listener

	writeLock *sync.Mutex
}

// NewTxTracer creates a tracer for the node at url and starts connecting in the background.
func NewTxTracer(url, wsEndpoint string) *TxTracer {
	t := &TxTracer{
		wsUrl:     WsEndpoint(url, wsEndpoint),
		dialer:    &websocket.Dialer{HandshakeTimeout: DefaultConnectionTimeout},
		state:     atomic.NewInt32(int32(ReadyStateClosed)),
		nextId:    atomic.NewUint64(0),
		lock:      &sync.Mutex{},
		txSubs:    make(map[uint64]*pendingCall),
		queries:   make(map[uint64]*pendingCall),
		listeners: make(map[EventType][]*listener),
		writeLock: &sync.Mutex{},
	}

	t.Open()

	return t
}

// WsEndpoint turns an http(s) rpc url into the websocket url of the node.
func WsEndpoint(url, endpoint string) string {
	if endpoint == "" {
		endpoint = "/websocket"
	}

	if strings.HasPrefix(url, "http") {
		url = "ws" + strings.TrimPrefix(url, "http")
	}

	url = strings.TrimRight(url, "/")
	if !strings.HasSuffix(url, endpoint) {
		url = url + endpoint
	}

	return url
}

func (t *TxTracer) Url() string {
	return t.wsUrl
}

func (t *TxTracer) ReadyState() ReadyState {
	return ReadyState(t.state.Load())
}

// Open starts connecting. It is a no-op while a connection is open or being made. A closed tracer
// is never reopened automatically.
func (t *TxTracer) Open() {
	t.lock.Lock()
	state := t.ReadyState()
	if state != ReadyStateClosed {
		t.lock.Unlock()
		return
	}
	t.closeRequested = false
	t.state.Store(int32(ReadyStateConnecting))
	t.lock.Unlock()

	go t.connect()
}

func (t *TxTracer) connect() {
	conn, _, err := t.dialer.Dial(t.wsUrl, nil)
	if err != nil {
		log.Errorf("Cannot connect to %s, err = %v", t.wsUrl, err)
		t.lock.Lock()
		t.state.Store(int32(ReadyStateClosed))
		queries, txSubs := t.takePending()
		t.lock.Unlock()

		t.rejectAll(queries, txSubs, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		t.emit(EventError)
		t.emit(EventClose)
		return
	}

	t.lock.Lock()
	if t.closeRequested {
		t.state.Store(int32(ReadyStateClosed))
		queries, txSubs := t.takePending()
		t.lock.Unlock()

		conn.Close()
		t.rejectAll(queries, txSubs, fmt.Errorf("%w: closed before open", ErrConnectionLost))
		t.emit(EventClose)
		return
	}

	t.conn = conn
	t.state.Store(int32(ReadyStateOpen))

	// Everything registered while connecting is sent now. Later registrations see the open state
	// and send themselves.
	resend := make([]*rpcRequest, 0, len(t.txSubs)+len(t.queries)+1)
	if len(t.blockSubs) > 0 {
		resend = append(resend, t.blockSubscribeRequest())
	}
	for id, sub := range t.txSubs {
		resend = append(resend, &rpcRequest{JsonRpc: "2.0", Method: sub.method, Params: sub.params, Id: id})
	}
	for id, query := range t.queries {
		resend = append(resend, &rpcRequest{JsonRpc: "2.0", Method: query.method, Params: query.params, Id: id})
	}
	t.lock.Unlock()

	log.Verbosef("Connected to %s", t.wsUrl)
	go t.readLoop(conn)

	for _, req := range resend {
		t.write(conn, req)
	}

	t.emit(EventOpen)
}

// Close closes the connection. Pending queries and tx subscriptions are rejected before it
// returns, so the tracer can be opened again right away.
func (t *TxTracer) Close() {
	t.lock.Lock()
	t.closeRequested = true
	conn := t.conn
	if conn == nil {
		t.lock.Unlock()
		return
	}
	// The reader of conn no longer owns the tracer state once conn is detached.
	t.conn = nil
	t.state.Store(int32(ReadyStateClosing))
	queries, txSubs := t.takePending()
	t.lock.Unlock()

	t.writeLock.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeLock.Unlock()
	if err != nil {
		log.Verbosef("Failed to send close frame to %s, err = %v", t.wsUrl, err)
	}
	conn.Close()

	t.lock.Lock()
	if t.ReadyState() == ReadyStateClosing {
		t.state.Store(int32(ReadyStateClosed))
	}
	t.lock.Unlock()

	t.rejectAll(queries, txSubs, fmt.Errorf("%w: closed", ErrConnectionLost))
	t.emit(EventClose)
}

func (t *TxTracer) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(conn, err)
			return
		}

		t.onMessage(msg)
	}
}

func (t *TxTracer) handleClose(conn *websocket.Conn, cause error) {
	t.lock.Lock()
	if t.conn != conn {
		t.lock.Unlock()
		return
	}
	t.conn = nil
	requested := t.closeRequested
	t.state.Store(int32(ReadyStateClosed))
	queries, txSubs := t.takePending()
	t.lock.Unlock()

	conn.Close()

	reason := "connection lost"
	closeErr := &websocket.CloseError{}
	if errors.As(cause, &closeErr) && closeErr.Text != "" {
		reason = closeErr.Text
	} else if requested {
		reason = "closed"
	}

	t.rejectAll(queries, txSubs, fmt.Errorf("%w: %s", ErrConnectionLost, reason))

	if !requested && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		log.Warnf("Websocket connection to %s lost, err = %v", t.wsUrl, cause)
		t.emit(EventError)
	}
	t.emit(EventClose)
}

// takePending empties both pending maps and returns what they held. Must be called with the lock
// held.
func (t *TxTracer) takePending() ([]*pendingCall, []*pendingCall) {
	return drain(t.queries), drain(t.txSubs)
}

func drain(calls map[uint64]*pendingCall) []*pendingCall {
	drained := make([]*pendingCall, 0, len(calls))
	for id, call := range calls {
		drained = append(drained, call)
		delete(calls, id)
	}

	return drained
}

func (t *TxTracer) rejectAll(queries, txSubs []*pendingCall, err error) {
	for _, call := range queries {
		call.resultCh <- callResult{err: err}
	}
	for _, call := range txSubs {
		call.resultCh <- callResult{err: err}
	}
}

func (t *TxTracer) onMessage(msg []byte) {
	t.emit(EventMessage)

	resp := &rpcResponse{}
	if err := json.Unmarshal(msg, resp); err != nil {
		log.Error("Tendermint websocket jsonrpc response is not JSON: ", err)
		return
	}

	id, hasId := resp.id()
	if hasId {
		if call := t.take(t.queries, id); call != nil {
			if resp.Error != nil {
				call.resultCh <- callResult{err: resp.Error}
			} else {
				call.resultCh <- callResult{result: resp.Result}
			}
			return
		}

		// The node refused the subscription.
		if resp.Error != nil {
			if call := t.take(t.txSubs, id); call != nil {
				call.resultCh <- callResult{err: resp.Error}
				return
			}
		}
	}

	if len(resp.Result) == 0 {
		return
	}

	event := &eventResult{}
	if err := json.Unmarshal(resp.Result, event); err != nil {
		return
	}

	switch event.Data.Type {
	case EventTypeNewBlock:
		for _, sub := range t.snapshotBlockSubs() {
			sub.handler(event.Data.Value)
		}

	case EventTypeTx:
		if !hasId {
			return
		}
		call := t.take(t.txSubs, id)
		if call == nil {
			return
		}

		value := &txEventValue{}
		if err := json.Unmarshal(event.Data.Value, value); err != nil {
			call.resultCh <- callResult{err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
			return
		}
		call.resultCh <- callResult{result: value.TxResult.Result}
	}
}

// take removes and returns the pending call with the id, or nil.
func (t *TxTracer) take(calls map[uint64]*pendingCall, id uint64) *pendingCall {
	t.lock.Lock()
	defer t.lock.Unlock()

	call, ok := calls[id]
	if !ok {
		return nil
	}
	delete(calls, id)

	return call
}

func (t *TxTracer) remove(calls map[uint64]*pendingCall, id uint64) {
	t.lock.Lock()
	delete(calls, id)
	t.lock.Unlock()
}

func (t *TxTracer) write(conn *websocket.Conn, req *rpcRequest) {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if err := conn.WriteJSON(req); err != nil {
		// The reader sees the broken connection and rejects everything pending.
		log.Verbosef("Failed to write %s request to %s, err = %v", req.Method, t.wsUrl, err)
	}
}

// register adds a pending call to one of the maps and sends it if the connection is open. Calls
// registered before the connection opens are sent by connect.
func (t *TxTracer) register(calls map[uint64]*pendingCall, call *pendingCall) uint64 {
	id := t.nextId.Inc()

	t.lock.Lock()
	calls[id] = call
	conn := t.conn
	open := t.ReadyState() == ReadyStateOpen
	t.lock.Unlock()

	if open && conn != nil {
		t.write(conn, &rpcRequest{JsonRpc: "2.0", Method: call.method, Params: call.params, Id: id})
	}

	return id
}

func (t *TxTracer) await(ctx context.Context, calls map[uint64]*pendingCall, id uint64, call *pendingCall) (json.RawMessage, error) {
	select {
	case res := <-call.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		t.remove(calls, id)
		return nil, ctx.Err()
	}
}

// SubscribeTx subscribes to the first Tx event matching the query and returns its result. The
// subscription is not retried: a lost connection rejects it.
func (t *TxTracer) SubscribeTx(ctx context.Context, query Query) (json.RawMessage, error) {
	call := newPendingCall("subscribe", query.subscribeParams())
	id := t.register(t.txSubs, call)

	return t.await(ctx, t.txSubs, id, call)
}

// QueryTx looks up transactions matching the query once.
func (t *TxTracer) QueryTx(ctx context.Context, query Query) (json.RawMessage, error) {
	method, params := query.queryMethod()
	call := newPendingCall(method, params)
	id := t.register(t.queries, call)

	return t.await(ctx, t.queries, id, call)
}

// SubscribeBlock registers a handler for NewBlock events. The first handler subscribes on the node.
func (t *TxTracer) SubscribeBlock(handler func(block json.RawMessage)) func() {
	sub := &blockSub{id: t.nextId.Inc(), handler: handler}

	t.lock.Lock()
	t.blockSubs = append(t.blockSubs, sub)
	var req *rpcRequest
	conn := t.conn
	if len(t.blockSubs) == 1 && conn != nil && t.ReadyState() == ReadyStateOpen {
		req = t.blockSubscribeRequest()
	}
	t.lock.Unlock()

	if req != nil {
		t.write(conn, req)
	}

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			t.lock.Lock()
			defer t.lock.Unlock()

			for i, s := range t.blockSubs {
				if s == sub {
					t.blockSubs = append(t.blockSubs[:i], t.blockSubs[i+1:]...)
					break
				}
			}
		})
	}
}

// blockSubscribeRequest must be called with the lock held.
func (t *TxTracer) blockSubscribeRequest() *rpcRequest {
	if t.blockSubId == 0 {
		t.blockSubId = t.nextId.Inc()
	}

	return &rpcRequest{
		JsonRpc: "2.0",
		Method:  "subscribe",
		Params:  map[string]interface{}{"query": "tm.event='NewBlock'"},
		Id:      t.blockSubId,
	}
}

func (t *TxTracer) snapshotBlockSubs() []*blockSub {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]*blockSub{}, t.blockSubs...)
}

// AddEventListener registers fn for a connection event and returns a function removing it.
func (t *TxTracer) AddEventListener(eventType EventType, fn func()) func() {
	l := &listener{id: t.nextId.Inc(), fn: fn}

	t.lock.Lock()
	t.listeners[eventType] = append(t.listeners[eventType], l)
	t.lock.Unlock()

	return func() {
		t.lock.Lock()
		defer t.lock.Unlock()

		listeners := t.listeners[eventType]
		for i, existing := range listeners {
			if existing == l {
				t.listeners[eventType] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
	}
}

func (t *TxTracer) emit(eventType EventType) {
	t.lock.Lock()
	listeners := append([]*listener{}, t.listeners[eventType]...)
	t.lock.Unlock()

	for _, l := range listeners {
		l.fn()
	}
}

// NumberOfSubscriberOrPendingQuery counts block handlers, tx subscriptions and queries that are
// still waiting.
func (t *TxTracer) NumberOfSubscriberOrPendingQuery() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.blockSubs) + len(t.txSubs) + len(t.queries)
}

func (t *TxTracer) waitForOpen(ctx context.Context, timeout time.Duration) error {
	opened := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)
	removeOpen := t.AddEventListener(EventOpen, func() { notify(opened) })
	defer removeOpen()
	removeClose := t.AddEventListener(EventClose, func() { notify(closed) })
	defer removeClose()

	switch t.ReadyState() {
	case ReadyStateOpen:
		return nil
	case ReadyStateClosing, ReadyStateClosed:
		return fmt.Errorf("%w: tracer is %s", ErrConnectionLost, t.ReadyState())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-opened:
		return nil
	case <-closed:
		return fmt.Errorf("%w: closed before open", ErrConnectionLost)
	case <-timer.C:
		return fmt.Errorf("%w: %s not open after %s", ErrConnectionTimeout, t.wsUrl, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// TraceTx waits until a transaction matching the query exists on chain and returns its result. It
// both looks the transaction up and subscribes to it so that a transaction included before the
// subscription is not missed. A lookup that finds nothing does not end the trace.
func (t *TxTracer) TraceTx(ctx context.Context, query Query, opts TraceOptions) (json.RawMessage, error) {
	opts = opts.withDefaults()

	traceCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if err := t.waitForOpen(traceCtx, opts.ConnectionTimeout); err != nil {
		return nil, t.traceErr(ctx, traceCtx, opts, err)
	}

	resultCh := make(chan callResult, 2)
	go func() {
		result, err := t.QueryTx(traceCtx, query)
		if err != nil {
			log.Verbosef("Tx lookup on %s failed, err = %v", t.wsUrl, err)
			return
		}
		if query.matched(result) {
			resultCh <- callResult{result: result}
		}
	}()
	go func() {
		result, err := t.SubscribeTx(traceCtx, query)
		if err != nil {
			// Only the timeout ends the trace, whatever happens to the socket.
			log.Verbosef("Tx subscription on %s failed, err = %v", t.wsUrl, err)
			return
		}
		resultCh <- callResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, nil
	case <-traceCtx.Done():
		return nil, t.traceErr(ctx, traceCtx, opts, traceCtx.Err())
	}
}

func (t *TxTracer) traceErr(parent, traceCtx context.Context, opts TraceOptions, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if traceCtx.Err() != nil {
		return fmt.Errorf("%w after %s", ErrTraceTimeout, opts.Timeout)
	}

	return err
}
