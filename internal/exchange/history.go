package exchange

import "github.com/vadiminshakov/execguard/internal/domain"

const defaultHistorySize = 50

// orderHistory is a fixed-capacity ring of order events. It is not synchronized;
// the owning client's lock guards it.
type orderHistory struct {
	entries []domain.OrderEvent
	next    int
	full    bool
}

func newOrderHistory(size int) *orderHistory {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &orderHistory{entries: make([]domain.OrderEvent, size)}
}

func (h *orderHistory) append(e domain.OrderEvent) {
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *orderHistory) len() int {
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// snapshot returns deep copies, oldest first.
func (h *orderHistory) snapshot() []domain.OrderEvent {
	n := h.len()
	out := make([]domain.OrderEvent, 0, n)
	start := 0
	if h.full {
		start = h.next
	}
	for i := 0; i < n; i++ {
		out = append(out, h.entries[(start+i)%len(h.entries)].Clone())
	}
	return out
}
