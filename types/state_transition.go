package types

// QualifiedStatesTo returns the statuses a record may be in for a move to the target status.
// Every status qualifies for itself so re-writing the same value is a no-op rather than an error.
func QualifiedStatesTo(target TransferStatus) []TransferStatus {
	switch target {
	case StatusPending:
		return []TransferStatus{StatusPending}
	case StatusTimeout:
		return []TransferStatus{StatusPending, StatusTimeout}
	case StatusComplete:
		// A timed out packet may still be received if the relayer was late.
		return []TransferStatus{StatusPending, StatusTimeout, StatusComplete}
	case StatusRefunded:
		return []TransferStatus{StatusTimeout, StatusRefunded}
	default:
		return nil
	}
}

func CanTransition(from, to TransferStatus) bool {
	for _, s := range QualifiedStatesTo(to) {
		if s == from {
			return true
		}
	}

	return false
}
