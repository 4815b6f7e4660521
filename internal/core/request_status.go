package core

// DeriveRequestStatus computes a stock request's aggregate status from its
// item statuses:
//
//	any item PENDING            → PENDING
//	every item APPROVED         → APPROVED
//	every item REJECTED         → REJECTED
//	anything else once decided  → PARTIALLY_APPROVED
//
// Mixed approved/rejected outcomes count as partial: the shop is getting
// some of what it asked for. An empty item list stays PENDING.
func DeriveRequestStatus(itemStatuses []string) string {
	if len(itemStatuses) == 0 {
		return StatusPending
	}

	allApproved := true
	allRejected := true
	for _, st := range itemStatuses {
		switch st {
		case StatusPending:
			return StatusPending
		case StatusApproved:
			allRejected = false
		case StatusRejected:
			allApproved = false
		default: // PARTIALLY_APPROVED
			allApproved = false
			allRejected = false
		}
	}

	switch {
	case allApproved:
		return StatusApproved
	case allRejected:
		return StatusRejected
	default:
		return StatusPartiallyApproved
	}
}

// deriveItemStatus maps an approved quantity onto the item status ladder.
func deriveItemStatus(requested, approved int) string {
	switch {
	case approved == 0:
		return StatusRejected
	case approved < requested:
		return StatusPartiallyApproved
	default:
		return StatusApproved
	}
}
