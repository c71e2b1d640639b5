package queue

// Semaphore is a counting permit pool sized max_running.
// A node holds one permit from submission until it either settles or
// returns to NOT_SUBMITTED for resubmission.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with n permits. n below 1 is raised to 1.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

// TryAcquire takes a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit.
func (s *Semaphore) Release() {
	<-s.ch
}

// InUse returns the number of permits currently held.
func (s *Semaphore) InUse() int {
	return len(s.ch)
}
