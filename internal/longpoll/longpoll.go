// Package longpoll receives batches of values from channels.
package longpoll

// Drain receives every value immediately available from ch, without
// blocking, passing each to handler. At most maxSize values are received;
// a maxSize < 0 disables the limit. It returns the number of values
// received, stopping early on the first handler error, or once ch is closed.
//
// Providing a nil ch or handler will cause a panic.
func Drain[T any](ch <-chan T, maxSize int, handler func(value T) error) (int, error) {
	if ch == nil {
		panic(`longpoll: nil channel`)
	}
	if handler == nil {
		panic(`longpoll: nil handler`)
	}

	var size int
	for maxSize < 0 || size < maxSize {
		select {
		case value, ok := <-ch:
			if !ok {
				return size, nil
			}
			size++
			if err := handler(value); err != nil {
				return size, err
			}
		default:
			return size, nil
		}
	}
	return size, nil
}
