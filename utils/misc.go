package utils

// Reversed returns a copy of s in reverse order.
func Reversed[T any](s []T) []T {
	out := make([]T, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}

	return out
}
