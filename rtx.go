package fleet

// Must0 panics in case of error.
func Must0(err error) {
	if err != nil {
		panic(err)
	}
}

// Must1 panics in case of error otherwise returns the first value.
func Must1[Type any](value Type, err error) Type {
	Must0(err)
	return value
}
