package compute

// SetForTest sets the global provider for testing.
func SetForTest(p Provider) {
	mu.Lock()
	defer mu.Unlock()
	current = p
}

// ResetForTest clears the global provider.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	current = nil
}
