package database

import "github.com/cybercongress/ibc-history/types"

type MockDb struct {
	InitFunc                 func() error
	CloseFunc                func() error
	AddTransferFunc          func(record *types.TransferRecord) error
	QueryTransfersFunc       func(address string) ([]*types.TransferRecord, error)
	GetTransferFunc          func(txHash string) (*types.TransferRecord, error)
	UpdateTransferStatusFunc func(txHash string, status types.TransferStatus) (bool, error)
}

func (mock *MockDb) Init() error {
	if mock.InitFunc != nil {
		return mock.InitFunc()
	}

	return nil
}

func (mock *MockDb) Close() error {
	if mock.CloseFunc != nil {
		return mock.CloseFunc()
	}

	return nil
}

func (mock *MockDb) AddTransfer(record *types.TransferRecord) error {
	if mock.AddTransferFunc != nil {
		return mock.AddTransferFunc(record)
	}

	return nil
}

func (mock *MockDb) QueryTransfers(address string) ([]*types.TransferRecord, error) {
	if mock.QueryTransfersFunc != nil {
		return mock.QueryTransfersFunc(address)
	}

	return nil, nil
}

func (mock *MockDb) GetTransfer(txHash string) (*types.TransferRecord, error) {
	if mock.GetTransferFunc != nil {
		return mock.GetTransferFunc(txHash)
	}

	return nil, nil
}

func (mock *MockDb) UpdateTransferStatus(txHash string, status types.TransferStatus) (bool, error) {
	if mock.UpdateTransferStatusFunc != nil {
		return mock.UpdateTransferStatusFunc(txHash, status)
	}

	return false, nil
}
