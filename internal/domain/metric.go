package domain

// Metric is a computed indicator value together with a validity flag. A
// metric computed from insufficient history is invalid, and every predicate
// over an invalid metric must evaluate to false so the system fails closed
// rather than acting on garbage.
type Metric struct {
	Value float64
	Valid bool
}

// ValidMetric returns a valid metric carrying v.
func ValidMetric(v float64) Metric {
	return Metric{Value: v, Valid: true}
}

// InvalidMetric returns the zero, invalid metric.
func InvalidMetric() Metric {
	return Metric{}
}
