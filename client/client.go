package client

import (
	"context"
	"errors"
	"time"

	"github.com/cybercongress/ibc-history/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sisu-network/lib/log"
)

const (
	RETRY_TIME = 10 * time.Second
)

// A client of the ibc history server.
type Client interface {
	TryDial()
	CheckHealth() error
	SetAddress(address string) ([]*types.HistoryItem, error)
	GetHistory(address string) ([]*types.HistoryItem, error)
	AddHistoryItem(record *types.TransferRecord) error
	TraceStatus(txHash string) (types.TransferStatus, error)
	PingTx(tx *types.UncommittedTx) error
}

var (
	ErrServerNotConnected = errors.New("ibc history server is not connected")
)

type DefaultClient struct {
	client    *rpc.Client
	url       string
	connected bool
}

func NewClient(url string) Client {
	return &DefaultClient{
		url: url,
	}
}

// NewClientWithRpc wraps an rpc client that is already connected.
func NewClientWithRpc(client *rpc.Client) Client {
	return &DefaultClient{
		client:    client,
		connected: true,
	}
}

func (c *DefaultClient) TryDial() {
	log.Info("Trying to dial ibc history server")

	for {
		log.Info("Dialing...", c.url)
		var err error
		c.client, err = rpc.DialContext(context.Background(), c.url)
		if err != nil {
			log.Error("Cannot connect to ibc history server err = ", err)
			time.Sleep(RETRY_TIME)
			continue
		}

		err = c.CheckHealth()
		if err != nil {
			log.Error("Ibc history server is not healthy err = ", err)
			time.Sleep(RETRY_TIME)
			continue
		}

		c.connected = true
		break
	}

	log.Info("Ibc history server is connected")
}

func (c *DefaultClient) call(result interface{}, method string, args ...interface{}) error {
	if c.client == nil {
		return ErrServerNotConnected
	}

	return c.client.CallContext(context.Background(), result, method, args...)
}

func (c *DefaultClient) CheckHealth() error {
	return c.call(nil, "ibc_checkHealth")
}

func (c *DefaultClient) SetAddress(address string) ([]*types.HistoryItem, error) {
	var history []*types.HistoryItem
	err := c.call(&history, "ibc_setAddress", address)
	return history, err
}

func (c *DefaultClient) GetHistory(address string) ([]*types.HistoryItem, error) {
	var history []*types.HistoryItem
	err := c.call(&history, "ibc_getHistory", address)
	return history, err
}

func (c *DefaultClient) AddHistoryItem(record *types.TransferRecord) error {
	log.Verbose("Adding transfer to history, hash = ", record.TxHash)

	err := c.call(nil, "ibc_addHistoryItem", record)
	if err != nil {
		log.Error("Cannot add transfer ", record.TxHash, ", err = ", err)
	}

	return err
}

func (c *DefaultClient) TraceStatus(txHash string) (types.TransferStatus, error) {
	var status types.TransferStatus
	err := c.call(&status, "ibc_traceStatus", txHash)
	return status, err
}

func (c *DefaultClient) PingTx(tx *types.UncommittedTx) error {
	return c.call(nil, "ibc_pingTx", tx)
}
