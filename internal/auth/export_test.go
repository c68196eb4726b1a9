package auth

// FlightWaiters reports how many callers are waiting on the running acquisition.
func (p *Provider) FlightWaiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flight == nil {
		return 0
	}
	return p.flight.waiters
}
