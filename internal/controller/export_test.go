package controller

// PendingWindows reports how many throttle windows are open.
func (c *Controller) PendingWindows() int {
	return c.gate.Pending()
}
