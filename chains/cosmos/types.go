package cosmos

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrConnectionLost    = errors.New("websocket connection lost")
	ErrConnectionTimeout = errors.New("websocket connection timed out")
	ErrTraceTimeout      = errors.New("trace timed out")
	ErrMalformedResponse = errors.New("malformed rpc response")
)

// RPCError is the error object of a tendermint json-rpc response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return e.Data
	}

	return e.Message
}

type rpcRequest struct {
	JsonRpc string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
	Id      uint64                 `json:"id"`
}

type rpcResponse struct {
	JsonRpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// id returns the numeric id of the response. Tendermint echoes the id of the request, events
// pushed for a subscription carry the id of the subscribe call.
func (r *rpcResponse) id() (uint64, bool) {
	if len(r.Id) == 0 {
		return 0, false
	}

	var id uint64
	if err := json.Unmarshal(r.Id, &id); err == nil {
		return id, id != 0
	}

	// Some proxies stringify ids.
	var s string
	if err := json.Unmarshal(r.Id, &s); err != nil {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, id != 0
}

const (
	EventTypeNewBlock = "tendermint/event/NewBlock"
	EventTypeTx       = "tendermint/event/Tx"
)

type eventResult struct {
	Query string `json:"query"`
	Data  struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"data"`
}

type txEventValue struct {
	TxResult struct {
		Height string          `json:"height"`
		Index  int             `json:"index"`
		Tx     string          `json:"tx"`
		Result json.RawMessage `json:"result"`
	} `json:"TxResult"`
}

type SyncInfo struct {
	LatestBlockHash   string `json:"latest_block_hash"`
	LatestBlockHeight string `json:"latest_block_height"`
	LatestBlockTime   string `json:"latest_block_time"`
	CatchingUp        bool   `json:"catching_up"`
}

// StatusResponse is the payload of the tendermint /status endpoint.
type StatusResponse struct {
	Result struct {
		NodeInfo struct {
			Network string `json:"network"`
		} `json:"node_info"`
		SyncInfo SyncInfo `json:"sync_info"`
	} `json:"result"`

	// Raw is the body as returned by the node.
	Raw json.RawMessage `json:"-"`
}

func ParseStatusResponse(bz []byte) (*StatusResponse, error) {
	status := &StatusResponse{}
	if err := json.Unmarshal(bz, status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	status.Raw = bz

	return status, nil
}

// BlockTime returns the latest block time reported by the node. The second value is false when the
// node didn't report one.
func (s *StatusResponse) BlockTime() (time.Time, bool) {
	if s == nil || s.Result.SyncInfo.LatestBlockTime == "" {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, s.Result.SyncInfo.LatestBlockTime)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// TxSearchResult is the result of a tx_search call. Only the count is used.
type TxSearchResult struct {
	TotalCount *string `json:"total_count"`
}

// Matched reports whether the search found at least one transaction. A result without a count is
// not a match.
func (r *TxSearchResult) Matched() bool {
	if r == nil || r.TotalCount == nil {
		return false
	}

	return *r.TotalCount != "0" && *r.TotalCount != ""
}
