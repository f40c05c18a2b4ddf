package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer that still holds a reference to a queue after
// its consumer went away.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// DrainNow discards every value currently buffered in ch without blocking and
// returns how many were dropped.
func DrainNow[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
