package lss

// timeoutAccumulator tracks elapsed microseconds against a configured
// ceiling. It fires exactly once per armed window: once elapsed_us reaches
// the window, the counter resets so a subsequent arm starts clean.
type timeoutAccumulator struct {
	windowUs  uint32
	elapsedUs uint32
}

func newTimeoutAccumulator(windowUs uint32) timeoutAccumulator {
	return timeoutAccumulator{windowUs: windowUs}
}

// reset rearms the accumulator, used on every new service initiation and on
// every successful reply.
func (t *timeoutAccumulator) reset() {
	t.elapsedUs = 0
}

// setWindow changes the configured ceiling. It does not rearm the counter.
func (t *timeoutAccumulator) setWindow(windowUs uint32) {
	t.windowUs = windowUs
}

// tick advances the counter by deltaUs and reports whether the window has
// elapsed. On firing, the counter is reset to zero.
func (t *timeoutAccumulator) tick(deltaUs uint32) Status {
	t.elapsedUs += deltaUs
	if t.elapsedUs >= t.windowUs {
		t.elapsedUs = 0
		return StatusTimeout
	}
	return StatusAwaitingSlave
}
