package observability

import (
	"sync"
	"time"
)

// vendWindow keeps per-minute buckets of outbound vendor outcomes so the
// health grader can compute short-window 5xx and 429 rates in-process,
// without a Prometheus query path.
type vendWindow struct {
	mu      sync.Mutex
	buckets [6]vendBucket
	now     func() time.Time
}

type vendBucket struct {
	minute int64
	total  int64
	n5xx   int64
	n429   int64
}

var defaultVendWindow = &vendWindow{now: time.Now}

func (w *vendWindow) record(status int) {
	minute := w.now().Unix() / 60
	idx := int(minute % int64(len(w.buckets)))

	w.mu.Lock()
	defer w.mu.Unlock()
	b := &w.buckets[idx]
	if b.minute != minute {
		*b = vendBucket{minute: minute}
	}
	b.total++
	switch {
	case status >= 500 || status == 0:
		b.n5xx++
	case status == 429:
		b.n429++
	}
}

// rates sums the buckets inside the window and returns the 5xx and 429
// shares of total requests. An empty window yields zero rates.
func (w *vendWindow) rates(window time.Duration) (rate5xx, rate429 float64) {
	minutes := int64(window / time.Minute)
	cutoff := w.now().Unix()/60 - minutes

	w.mu.Lock()
	defer w.mu.Unlock()
	var total, n5xx, n429 int64
	for i := range w.buckets {
		b := w.buckets[i]
		if b.minute <= cutoff {
			continue
		}
		total += b.total
		n5xx += b.n5xx
		n429 += b.n429
	}
	if total == 0 {
		return 0, 0
	}
	return float64(n5xx) / float64(total), float64(n429) / float64(total)
}

// VendRates5m returns the vendor 5xx and 429 rates over the last five
// minutes of outbound attempts.
func VendRates5m() (rate5xx, rate429 float64) {
	return defaultVendWindow.rates(5 * time.Minute)
}
