package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a streaming channel whose remaining values are not
// needed, such as the event stream of a connection abandoned mid-setup.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
