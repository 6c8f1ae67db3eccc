package planner

// Limits bounds the number of rows a query may return.
type Limits struct {
	// Default applies when the caller gives no limit. Zero means unlimited.
	Default int
	// Max caps every query. Zero means no cap.
	Max int
}

// Effective returns the limit to plan for a requested limit.
func (l Limits) Effective(requested int) int {
	n := requested
	if n <= 0 {
		n = l.Default
	}
	if l.Max > 0 && (n <= 0 || n > l.Max) {
		n = l.Max
	}
	return max(n, 0)
}
