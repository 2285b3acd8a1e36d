package database

import "github.com/cybercongress/ibc-history/types"

type Database interface {
	Init() error
	Close() error

	// AddTransfer inserts the record unless a record with the same tx hash exists.
	AddTransfer(record *types.TransferRecord) error
	// QueryTransfers returns the records of an address in insertion order.
	QueryTransfers(address string) ([]*types.TransferRecord, error)
	// GetTransfer returns nil when no record has the hash.
	GetTransfer(txHash string) (*types.TransferRecord, error)
	// UpdateTransferStatus moves a record to the status if the move is allowed. It returns whether
	// the record changed.
	UpdateTransferStatus(txHash string, status types.TransferStatus) (bool, error)
}
