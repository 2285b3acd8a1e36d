package server

import (
	"context"
	"fmt"

	"github.com/cybercongress/ibc-history/config"
	"github.com/cybercongress/ibc-history/core"
	"github.com/cybercongress/ibc-history/types"
)

type ApiHandler struct {
	cfg       *config.Config
	processor *core.HistoryProcessor
	newClient core.ChainClientFactory
}

func NewApi(cfg *config.Config, processor *core.HistoryProcessor, newClient core.ChainClientFactory) *ApiHandler {
	return &ApiHandler{
		cfg:       cfg,
		processor: processor,
		newClient: newClient,
	}
}

// Empty function for checking health only.
func (api *ApiHandler) CheckHealth() {
}

// SetAddress switches the active address and returns its history, most recent first.
func (api *ApiHandler) SetAddress(address string) ([]*types.HistoryItem, error) {
	records, err := api.processor.SetAddress(address)
	if err != nil {
		return nil, err
	}

	return types.NewHistoryItems(records, api.cfg.HomeChainId), nil
}

func (api *ApiHandler) GetHistory(address string) ([]*types.HistoryItem, error) {
	records, err := api.processor.LoadHistory(address)
	if err != nil {
		return nil, err
	}

	return types.NewHistoryItems(records, api.cfg.HomeChainId), nil
}

func (api *ApiHandler) AddHistoryItem(record *types.TransferRecord) error {
	if record == nil {
		return fmt.Errorf("missing record")
	}
	if record.Status != "" && !record.Status.IsValid() {
		return fmt.Errorf("invalid status %q", record.Status)
	}

	return api.processor.AddHistoryItem(record)
}

func (api *ApiHandler) TraceStatus(ctx context.Context, txHash string) (types.TransferStatus, error) {
	return api.processor.TraceStatus(ctx, txHash)
}

// PingTx starts waiting for a broadcast transfer in the background.
func (api *ApiHandler) PingTx(tx *types.UncommittedTx) error {
	if tx == nil || tx.TxHash == "" {
		return fmt.Errorf("missing tx hash")
	}

	rpcUrl, ok := api.cfg.FindRpc(tx.SourceChainId)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownChain, tx.SourceChainId)
	}

	api.processor.StartPing(api.newClient(rpcUrl), tx)

	return nil
}

func (api *ApiHandler) GetRefreshes() int64 {
	return api.processor.Refreshes()
}
