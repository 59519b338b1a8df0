package orders

import "github.com/ariefcatur/go-pharmacy-orders/internal/domain"

// DELIVERED and CANCELLED are terminal.
var validNext = map[domain.Status]map[domain.Status]bool{
	domain.StatusPending:    {domain.StatusConfirmed: true, domain.StatusCancelled: true},
	domain.StatusConfirmed:  {domain.StatusProcessing: true, domain.StatusCancelled: true},
	domain.StatusProcessing: {domain.StatusShipped: true, domain.StatusCancelled: true},
	domain.StatusShipped:    {domain.StatusDelivered: true, domain.StatusCancelled: true},
	domain.StatusDelivered:  {},
	domain.StatusCancelled:  {},
}

func CanTransition(from, to domain.Status) bool {
	return validNext[from][to]
}

// AllowedNext lists the statuses reachable from s in lifecycle order.
func AllowedNext(s domain.Status) []domain.Status {
	var out []domain.Status
	for _, to := range []domain.Status{
		domain.StatusConfirmed, domain.StatusProcessing, domain.StatusShipped,
		domain.StatusDelivered, domain.StatusCancelled,
	} {
		if validNext[s][to] {
			out = append(out, to)
		}
	}
	return out
}

func IsTerminal(s domain.Status) bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}
