package runs

// ReduceStatus derives a Run's status from its tasks' statuses. It is a
// pure function so the scheduler can recompute it on every task event
// without drift. Order of the rules matters:
//
//  1. any cancelled and none running/pending  -> cancelled
//  2. any failed and the rest terminal        -> failed
//  3. all completed                           -> completed
//  4. any running                             -> running
//  5. otherwise                               -> pending
func ReduceStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusPending
	}

	var anyCancelled, anyFailed, anyRunning, anyPending bool
	allCompleted := true
	for _, st := range statuses {
		switch st {
		case StatusCancelled:
			anyCancelled = true
		case StatusFailed:
			anyFailed = true
		case StatusRunning:
			anyRunning = true
		case StatusPending:
			anyPending = true
		}
		if st != StatusCompleted {
			allCompleted = false
		}
	}
	allTerminal := !anyRunning && !anyPending

	switch {
	case anyCancelled && allTerminal:
		return StatusCancelled
	case anyFailed && allTerminal:
		return StatusFailed
	case allCompleted:
		return StatusCompleted
	case anyRunning:
		return StatusRunning
	default:
		return StatusPending
	}
}
