package types

// TrackUpdate is emitted when tracing decides the status of a transfer.
type TrackUpdate struct {
	TxHash  string
	Address string
	From    TransferStatus
	To      TransferStatus
}

func (u *TrackUpdate) Changed() bool {
	return u.From != u.To
}
