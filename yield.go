package ioloop

// Yield is an awaitable that suspends only when the current scheduler
// iteration has exceeded the preemption budget. Long-running tasks should
// await one periodically; the executor cannot preempt a poll that never
// yields and will log a warning instead.
type Yield struct{}

// YieldIfNeeded returns a yield awaitable.
func YieldIfNeeded() *Yield {
	return &Yield{}
}

// Poll implements Future. When the budget is exceeded the current task has
// already been re-inserted into the ready set, so returning pending here
// relinquishes the thread without losing the task.
func (*Yield) Poll() (struct{}, bool) {
	c := mustCurrent("YieldIfNeeded")
	if c.yieldIfNeeded() {
		return struct{}{}, false
	}
	return struct{}{}, true
}
