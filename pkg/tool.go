package pkg

// Contains check source have target
func Contains[T comparable](slice []T, val T) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// AppendIfNotExists append val when slice does not have it yet
func AppendIfNotExists[T comparable](slice []T, val T) []T {
	if Contains(slice, val) {
		return slice
	}
	return append(slice, val)
}
