package sambung

// Compose folds interceptors around terminal. The first interceptor is the
// outermost: it runs first on the way in and observes every attempt made by
// the interceptors it wraps. Nil interceptors are skipped.
func Compose(terminal Runner, interceptors ...Interceptor) Runner {
	current := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptors[i] == nil {
			continue
		}
		current = interceptors[i].Wrap(current)
	}
	return current
}

// collect drains a stream into a slice, stopping at the first error.
func collect(stream Stream) ([]*ResponseItem, error) {
	var items []*ResponseItem
	for item, err := range stream {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}
