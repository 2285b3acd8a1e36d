package cosmos

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ybbus/jsonrpc/v3"
)

// Client queries a tendermint node over http json-rpc.
type Client struct {
	rpcUrl string
	client jsonrpc.RPCClient
}

func NewClient(rpcUrl string) *Client {
	rpcUrl = strings.TrimRight(rpcUrl, "/")
	return &Client{
		rpcUrl: rpcUrl,
		client: jsonrpc.NewClient(rpcUrl),
	}
}

func (c *Client) RpcUrl() string {
	return c.rpcUrl
}

// TxSearchCount returns the total_count of a tx_search for the query.
func (c *Client) TxSearchCount(ctx context.Context, query string) (string, error) {
	res, err := c.client.Call(ctx, "tx_search", map[string]interface{}{
		"query":    query,
		"page":     "1",
		"per_page": "1",
		"order_by": "desc",
	})
	if err != nil {
		return "", err
	}
	if res.Error != nil {
		return "", res.Error
	}

	search := &TxSearchResult{}
	if err := res.GetObject(search); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if search.TotalCount == nil {
		return "", fmt.Errorf("%w: tx_search without total_count", ErrMalformedResponse)
	}

	return *search.TotalCount, nil
}

// GetTx returns the tx with the hex hash, or nil if the node doesn't know it yet.
func (c *Client) GetTx(ctx context.Context, hash string) (*TxResponse, error) {
	bz := TxHashBytes(hash)
	if bz == nil {
		return nil, fmt.Errorf("invalid tx hash %q", hash)
	}

	res, err := c.client.Call(ctx, "tx", map[string]interface{}{
		"hash":  base64.StdEncoding.EncodeToString(bz),
		"prove": false,
	})
	// Older nodes answer rpc errors with http 500, the body still carries the rpc error.
	if res != nil && res.Error != nil && isNotFound(res.Error) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}

	tx := &TxResponse{}
	if err := res.GetObject(tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return tx, nil
}

func isNotFound(rpcErr *jsonrpc.RPCError) bool {
	return strings.Contains(rpcErr.Message, "not found") || strings.Contains(fmt.Sprint(rpcErr.Data), "not found")
}
