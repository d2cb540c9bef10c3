package hub

// jobQueue is a FIFO of pending jobs with head insertion for requeues.
type jobQueue struct {
	items []*job
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) PushBack(j *job) {
	q.items = append(q.items, j)
}

// PushFront puts jobs at the head, keeping their relative order.
func (q *jobQueue) PushFront(jobs ...*job) {
	if len(jobs) == 0 {
		return
	}
	items := make([]*job, 0, len(jobs)+len(q.items))
	items = append(items, jobs...)
	q.items = append(items, q.items...)
}

func (q *jobQueue) PopFront() *job {
	if len(q.items) == 0 {
		return nil
	}
	j := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return j
}

// RemoveIf drops every job matching pred and returns them.
func (q *jobQueue) RemoveIf(pred func(*job) bool) []*job {
	var removed []*job
	kept := q.items[:0]
	for _, j := range q.items {
		if pred(j) {
			removed = append(removed, j)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}

func (q *jobQueue) Each(fn func(*job)) {
	for _, j := range q.items {
		fn(j)
	}
}
