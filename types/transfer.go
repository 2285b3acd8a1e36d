package types

type TransferStatus string

const (
	StatusPending  TransferStatus = "pending"
	StatusComplete TransferStatus = "complete"
	StatusTimeout  TransferStatus = "timeout"
	StatusRefunded TransferStatus = "refunded"
)

func (s TransferStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusRefunded
}

func (s TransferStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusComplete, StatusTimeout, StatusRefunded:
		return true
	}

	return false
}

// Coin is a single amount of a denom. Amount is kept as the decimal string the chain reports.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// A cross-chain transfer attempt as persisted in the history store.
type TransferRecord struct {
	TxHash          string `json:"txHash"`
	Address         string `json:"address"`
	SourceChainId   string `json:"sourceChainId"`
	DestChainId     string `json:"destChainId"`
	SourceChannelId string `json:"sourceChannelId"`
	DestChannelId   string `json:"destChannelId"`
	Sequence        string `json:"sequence"`
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	Amount          Coin   `json:"amount"`

	// Nanoseconds since epoch, "0" or empty when the packet has no timestamp timeout.
	TimeoutTimestamp string `json:"timeoutTimestamp"`

	// Unix milliseconds.
	CreatedAt int64          `json:"createdAt"`
	Status    TransferStatus `json:"status"`
}

// HasTimeout reports whether the packet carries a timestamp timeout.
func (r *TransferRecord) HasTimeout() bool {
	return r.TimeoutTimestamp != "" && r.TimeoutTimestamp != "0"
}

func (r *TransferRecord) Direction(homeChainId string) Direction {
	if r.SourceChainId == homeChainId {
		return DirectionWithdraw
	}

	return DirectionDeposit
}

// UncommittedTx holds what is known about a transfer right after it was broadcast and before it
// is found on chain.
type UncommittedTx struct {
	TxHash        string `json:"txHash"`
	Address       string `json:"address"`
	SourceChainId string `json:"sourceChainId"`
	DestChainId   string `json:"destChainId"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	CreatedAt     int64  `json:"createdAt"`
	Amount        Coin   `json:"amount"`
}

// HistoryItem is a transfer as shown to the owner of the address, with its direction relative to
// the home chain.
type HistoryItem struct {
	TransferRecord
	Direction Direction `json:"direction"`
}

func NewHistoryItems(records []*TransferRecord, homeChainId string) []*HistoryItem {
	items := make([]*HistoryItem, 0, len(records))
	for _, record := range records {
		items = append(items, &HistoryItem{
			TransferRecord: *record,
			Direction:      record.Direction(homeChainId),
		})
	}

	return items
}

type Direction string

const (
	DirectionDeposit  Direction = "deposit"
	DirectionWithdraw Direction = "withdraw"
)
