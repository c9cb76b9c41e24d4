package channel

// SetNextQueryIDForTest positions the query id counter so tests can exercise
// wraparound without sending 2^31 queries.
func (c *SecuredChannel) SetNextQueryIDForTest(id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextQueryID = id
}
