package main

// allowedTransitions is the single source of truth for the order lifecycle:
//
//	PENDING ──accept──▶ RESERVING_STOCK ──reserved──▶ PREPARING ──pickup──▶ ON_THE_WAY ──deliver──▶ DELIVERED
//	PENDING / RESERVING_STOCK / PREPARING may also end in CANCELLED
//
// Saga reply handlers gate on the expected source state before applying a
// transition, which is what makes duplicate and late replies harmless.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:        {StatusReservingStock, StatusCancelled},
	StatusReservingStock: {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusOnTheWay, StatusCancelled},
	StatusOnTheWay:       {StatusDelivered},
	StatusDelivered:      {},
	StatusCancelled:      {},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition mutates the order's status after checking legality.
func (o *Order) transition(to OrderStatus) error {
	if !CanTransition(o.Status, to) {
		return ErrInvalidState
	}
	o.Status = to
	return nil
}
