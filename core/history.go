package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cybercongress/ibc-history/chains/cosmos"
	"github.com/cybercongress/ibc-history/config"
	"github.com/cybercongress/ibc-history/database"
	"github.com/cybercongress/ibc-history/types"
	"github.com/cybercongress/ibc-history/utils"
	"github.com/golang/groupcache/lru"
	"github.com/sisu-network/lib/log"
	"go.uber.org/atomic"
)

var (
	ErrUnknownChain = errors.New("unknown chain")
	ErrNotFound     = errors.New("transfer not found")
	ErrNoIbcPacket  = errors.New("tx has no send_packet event")
)

// Tracer follows transactions on one chain.
type Tracer interface {
	TraceTx(ctx context.Context, query cosmos.Query, opts cosmos.TraceOptions) (json.RawMessage, error)
	Close()
}

type TracerFactory func(chain config.Chain) Tracer

func NewTxTracer(chain config.Chain) Tracer {
	return cosmos.NewTxTracer(chain.RpcUrl, chain.WsEndpoint)
}

type TxGetter interface {
	GetTx(ctx context.Context, hash string) (*cosmos.TxResponse, error)
}

type ChainClient interface {
	TxGetter
	TxSearchCount(ctx context.Context, query string) (string, error)
}

type ChainClientFactory func(rpcUrl string) ChainClient

func NewChainClient(rpcUrl string) ChainClient {
	return cosmos.NewClient(rpcUrl)
}

// HistoryProcessor keeps the transfer history of the active address and reconciles the status of
// unsettled transfers with the chains.
type HistoryProcessor struct {
	cfg       config.Config
	db        database.Database
	registry  *cosmos.PollerRegistry
	newTracer TracerFactory
	newClient ChainClientFactory

	ctx      context.Context
	cancel   context.CancelFunc
	statusCh chan *types.TrackUpdate

	// Unbounded: a marker leaves only when its trace ends.
	inFlightLock *sync.Mutex
	inFlight     *lru.Cache

	historyLock *sync.RWMutex
	address     string
	history     []*types.TransferRecord
	refreshes   *atomic.Int64
}

func NewHistoryProcessor(
	cfg *config.Config,
	db database.Database,
	registry *cosmos.PollerRegistry,
	newTracer TracerFactory,
	newClient ChainClientFactory,
) *HistoryProcessor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HistoryProcessor{
		cfg:          *cfg,
		db:           db,
		registry:     registry,
		newTracer:    newTracer,
		newClient:    newClient,
		ctx:          ctx,
		cancel:       cancel,
		statusCh:     make(chan *types.TrackUpdate, 1000),
		inFlightLock: &sync.Mutex{},
		inFlight:     lru.New(0),
		historyLock:  &sync.RWMutex{},
		history:      make([]*types.TransferRecord, 0),
		refreshes:    atomic.NewInt64(0),
	}
}

func (p *HistoryProcessor) Start() {
	log.Info("Starting history processor...")
	log.Info("Configured chains = ", p.cfg.Chains)

	go p.listen()
}

// Stop cancels every running trace and ping.
func (p *HistoryProcessor) Stop() {
	p.cancel()
}

func (p *HistoryProcessor) listen() {
	for {
		select {
		case update := <-p.statusCh:
			if !update.Changed() {
				continue
			}
			log.Verbosef("Transfer %s moved from %s to %s", update.TxHash, update.From, update.To)
			if _, err := p.UpdateStatusByTxHash(update.TxHash, update.To); err != nil {
				log.Error("Cannot update transfer status, err = ", err)
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// Refreshes counts how many times the history changed.
func (p *HistoryProcessor) Refreshes() int64 {
	return p.refreshes.Load()
}

func (p *HistoryProcessor) Address() string {
	p.historyLock.RLock()
	defer p.historyLock.RUnlock()

	return p.address
}

// History returns the records of the active address, most recent first.
func (p *HistoryProcessor) History() []*types.TransferRecord {
	p.historyLock.RLock()
	defer p.historyLock.RUnlock()

	return append([]*types.TransferRecord{}, p.history...)
}

// LoadHistory returns the records of an address, most recent first.
func (p *HistoryProcessor) LoadHistory(address string) ([]*types.TransferRecord, error) {
	records, err := p.db.QueryTransfers(address)
	if err != nil {
		return nil, err
	}

	return utils.Reversed(records), nil
}

// SetAddress makes address the active one. Switching address reloads the history and re-traces
// every transfer that is not settled yet.
func (p *HistoryProcessor) SetAddress(address string) ([]*types.TransferRecord, error) {
	p.historyLock.Lock()
	changed := p.address != address
	p.address = address
	p.historyLock.Unlock()

	history, err := p.reloadHistory(address)
	if err != nil {
		return nil, err
	}

	if changed {
		for _, record := range history {
			if record.Status == types.StatusPending || record.Status == types.StatusTimeout {
				p.traceInBackground(record)
			}
		}
	}

	return history, nil
}

func (p *HistoryProcessor) reloadHistory(address string) ([]*types.TransferRecord, error) {
	history, err := p.LoadHistory(address)
	if err != nil {
		return nil, err
	}

	p.historyLock.Lock()
	if p.address == address {
		p.history = history
	}
	p.historyLock.Unlock()

	return history, nil
}

func (p *HistoryProcessor) onChanged(address string) {
	p.refreshes.Inc()
	if address != p.Address() {
		return
	}

	if _, err := p.reloadHistory(address); err != nil {
		log.Error("Cannot reload history, err = ", err)
	}
}

// AddHistoryItem stores a new transfer. Pending transfers are traced right away.
func (p *HistoryProcessor) AddHistoryItem(record *types.TransferRecord) error {
	if record.TxHash == "" {
		return fmt.Errorf("transfer without tx hash")
	}
	if record.Status == "" {
		record.Status = types.StatusPending
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = utils.NowMillis()
	}

	if err := p.db.AddTransfer(record); err != nil {
		return err
	}
	p.onChanged(record.Address)

	if record.Status == types.StatusPending {
		p.traceInBackground(record)
	}

	return nil
}

// UpdateStatusByTxHash sets the status of a transfer. Moves that go backwards are ignored. It
// returns whether the record changed.
func (p *HistoryProcessor) UpdateStatusByTxHash(txHash string, status types.TransferStatus) (bool, error) {
	record, err := p.db.GetTransfer(txHash)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, txHash)
	}
	if record.Status == status {
		return false, nil
	}

	changed, err := p.db.UpdateTransferStatus(txHash, status)
	if err != nil {
		return false, err
	}
	if !changed {
		log.Verbosef("Ignored status change of %s from %s to %s", txHash, record.Status, status)
		return false, nil
	}

	p.onChanged(record.Address)

	return true, nil
}

// TraceStatus traces a stored transfer once and persists the result.
func (p *HistoryProcessor) TraceStatus(ctx context.Context, txHash string) (types.TransferStatus, error) {
	record, err := p.db.GetTransfer(txHash)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, txHash)
	}

	status := p.TraceHistoryStatus(ctx, record)
	if status != record.Status {
		if _, err := p.UpdateStatusByTxHash(txHash, status); err != nil {
			return record.Status, err
		}
	}

	return status, nil
}

func (p *HistoryProcessor) markInFlight(txHash string) bool {
	p.inFlightLock.Lock()
	defer p.inFlightLock.Unlock()

	if _, ok := p.inFlight.Get(txHash); ok {
		return false
	}
	p.inFlight.Add(txHash, struct{}{})

	return true
}

func (p *HistoryProcessor) clearInFlight(txHash string) {
	p.inFlightLock.Lock()
	defer p.inFlightLock.Unlock()

	p.inFlight.Remove(txHash)
}

func (p *HistoryProcessor) traceInBackground(record *types.TransferRecord) {
	if !p.markInFlight(record.TxHash) {
		log.Verbose("Transfer is already being traced, hash = ", record.TxHash)
		return
	}

	go func() {
		defer p.clearInFlight(record.TxHash)

		update := &types.TrackUpdate{
			TxHash:  record.TxHash,
			Address: record.Address,
			From:    record.Status,
			To:      p.TraceHistoryStatus(p.ctx, record),
		}
		if !update.Changed() {
			return
		}

		select {
		case p.statusCh <- update:
		case <-p.ctx.Done():
		}
	}()
}

func (p *HistoryProcessor) traceOptions() cosmos.TraceOptions {
	opts := cosmos.TraceOptions{
		Timeout:           config.Millis(p.cfg.Tracer.TraceTimeout),
		ConnectionTimeout: config.Millis(p.cfg.Tracer.ConnectionTimeout),
	}
	if opts.Timeout <= 0 {
		opts.Timeout = cosmos.DefaultTraceTimeout
	}

	return opts
}

func recvPacketQuery(record *types.TransferRecord) cosmos.TxQuery {
	return cosmos.TxQuery{
		{Key: cosmos.EventRecvPacket + "." + cosmos.AttrPacketDstChannel, Value: record.DestChannelId},
		{Key: cosmos.EventRecvPacket + "." + cosmos.AttrPacketSequence, Value: record.Sequence},
	}
}

func timeoutPacketQuery(record *types.TransferRecord) cosmos.TxQuery {
	return cosmos.TxQuery{
		{Key: cosmos.EventTimeoutPacket + "." + cosmos.AttrPacketSrcChannel, Value: record.SourceChannelId},
		{Key: cosmos.EventTimeoutPacket + "." + cosmos.AttrPacketSequence, Value: record.Sequence},
	}
}

// TraceHistoryStatus works out the current status of a transfer. Any failure leaves the status as
// it is.
func (p *HistoryProcessor) TraceHistoryStatus(ctx context.Context, record *types.TransferRecord) types.TransferStatus {
	if record.Status.IsTerminal() {
		return record.Status
	}

	if rpcUrl, ok := p.cfg.FindRpc(record.DestChainId); ok {
		count, err := p.newClient(rpcUrl).TxSearchCount(ctx, recvPacketQuery(record).EncodeTags())
		if err != nil {
			log.Verbosef("Cannot search recv_packet of %s on %s, err = %v", record.TxHash, record.DestChainId, err)
		} else if count != "0" {
			return types.StatusComplete
		}
	}

	if record.Status == types.StatusTimeout {
		return p.traceRefund(ctx, record)
	}

	return p.tracePending(ctx, record)
}

// traceRefund waits for the timeout_packet on the source chain.
func (p *HistoryProcessor) traceRefund(ctx context.Context, record *types.TransferRecord) types.TransferStatus {
	chain, ok := p.cfg.FindChain(record.SourceChainId)
	if !ok {
		log.Warnf("No rpc for source chain %s of %s", record.SourceChainId, record.TxHash)
		return record.Status
	}

	tracer := p.newTracer(chain)
	defer tracer.Close()

	if _, err := tracer.TraceTx(ctx, timeoutPacketQuery(record), p.traceOptions()); err != nil {
		log.Verbosef("No timeout_packet found for %s, err = %v", record.TxHash, err)
		return record.Status
	}

	return types.StatusRefunded
}

// tracePending races the recv_packet on the destination chain against the packet timeout. The
// loser is cancelled, the poller subscription and the tracer are released whichever way it ends.
func (p *HistoryProcessor) tracePending(ctx context.Context, record *types.TransferRecord) types.TransferStatus {
	chain, ok := p.cfg.FindChain(record.DestChainId)
	if !ok {
		log.Warnf("No rpc for destination chain %s of %s", record.DestChainId, record.TxHash)
		return record.Status
	}

	ctx, cancel := context.WithCancel(ctx)
	tracer := p.newTracer(chain)
	unsubscribe := func() {}
	defer func() {
		cancel()
		unsubscribe()
		tracer.Close()
	}()

	watching := false
	timedOut := make(chan struct{}, 1)
	if record.HasTimeout() {
		timeoutMs, err := utils.NanosToMillis(record.TimeoutTimestamp)
		if err != nil {
			log.Warnf("Cannot parse timeout of %s, err = %v", record.TxHash, err)
		} else if poller, ok := p.registry.Get(record.DestChainId); ok {
			unsubscribe = p.watchTimeout(ctx, poller, timeoutMs, timedOut)
			watching = true
		}
	}

	opts := p.traceOptions()
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	received := make(chan error, 1)
	go func() {
		_, err := tracer.TraceTx(ctx, recvPacketQuery(record), opts)
		received <- err
	}()

	for {
		select {
		case err := <-received:
			if err == nil {
				return types.StatusComplete
			}
			log.Verbosef("No recv_packet found for %s, err = %v", record.TxHash, err)
			if !watching || errors.Is(err, cosmos.ErrTraceTimeout) {
				return record.Status
			}
			// A broken tracer leaves the timeout branch to settle the race until the deadline.
			received = nil

		case <-timedOut:
			return types.StatusTimeout

		case <-deadline.C:
			return record.Status

		case <-ctx.Done():
			return record.Status
		}
	}
}

// watchTimeout signals timedOut once the destination chain's block time passed the timeout and
// the grace period elapsed.
func (p *HistoryProcessor) watchTimeout(ctx context.Context, poller *cosmos.StatusPoller, timeoutMs int64, timedOut chan<- struct{}) func() {
	grace := config.Millis(p.cfg.Tracer.TimeoutGrace)
	once := &sync.Once{}

	return poller.Subscribe(func(status *cosmos.StatusResponse) {
		blockTime, ok := status.BlockTime()
		if !ok || blockTime.UnixMilli() <= timeoutMs {
			return
		}

		once.Do(func() {
			go func() {
				// A relayer may still deliver the packet shortly after the timeout.
				if err := utils.SleepWithContext(ctx, grace); err != nil {
					return
				}
				select {
				case timedOut <- struct{}{}:
				default:
				}
			}()
		})
	})
}

// PingTx polls the source chain until the broadcast tx is included, then stores the transfer
// described by its send_packet event as pending. It only gives up when ctx is done.
func (p *HistoryProcessor) PingTx(ctx context.Context, client TxGetter, tx *types.UncommittedTx) error {
	interval := config.Millis(p.cfg.Tracer.PingInterval)

	for {
		resp, err := client.GetTx(ctx, tx.TxHash)
		if err != nil {
			log.Verbosef("Cannot get tx %s, err = %v", tx.TxHash, err)
		} else if resp != nil {
			return p.addFromTx(tx, resp)
		}

		if err := utils.SleepWithContext(ctx, interval); err != nil {
			return err
		}
	}
}

// StartPing runs PingTx in the background until the processor stops.
func (p *HistoryProcessor) StartPing(client TxGetter, tx *types.UncommittedTx) {
	go func() {
		err := p.PingTx(p.ctx, client, tx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Ping of tx %s failed, err = %v", tx.TxHash, err)
		}
	}()
}

func (p *HistoryProcessor) addFromTx(tx *types.UncommittedTx, resp *cosmos.TxResponse) error {
	data, ok := resp.PacketData()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoIbcPacket, tx.TxHash)
	}

	record := &types.TransferRecord{
		TxHash:           tx.TxHash,
		Address:          tx.Address,
		SourceChainId:    tx.SourceChainId,
		DestChainId:      tx.DestChainId,
		SourceChannelId:  data.SourceChannelId,
		DestChannelId:    data.DestChannelId,
		Sequence:         data.Sequence,
		Sender:           tx.Sender,
		Recipient:        tx.Recipient,
		Amount:           tx.Amount,
		TimeoutTimestamp: data.TimeoutTimestamp,
		CreatedAt:        tx.CreatedAt,
		Status:           types.StatusPending,
	}

	if transfer := data.Transfer; transfer != nil {
		if transfer.Sender != "" {
			record.Sender = transfer.Sender
		}
		if transfer.Receiver != "" {
			record.Recipient = transfer.Receiver
		}
		if record.Amount.Amount == "" {
			record.Amount = types.Coin{Denom: transfer.Denom, Amount: transfer.Amount}
		}
	}

	return p.AddHistoryItem(record)
}
