package engine

import "container/heap"

// job is one pending (event, data, tick) triple.
type job struct {
	event Event
	data  uint64
	at    Tick
	seq   uint64 // insertion order, breaks ties between equal ticks
	index int    // position in the heap, -1 once removed
}

// jobQueue is a priority queue of jobs ordered by tick, then insertion order
type jobQueue struct {
	jobs jobHeap
}

func newJobQueue() *jobQueue {
	q := &jobQueue{
		jobs: make(jobHeap, 0),
	}
	heap.Init(&q.jobs)
	return q
}

// Push adds a job to the queue
func (q *jobQueue) Push(j *job) {
	heap.Push(&q.jobs, j)
}

// Pop removes and returns the earliest job
func (q *jobQueue) Pop() *job {
	if q.IsEmpty() {
		return nil
	}
	return heap.Pop(&q.jobs).(*job)
}

// Peek returns the earliest job without removing it
func (q *jobQueue) Peek() *job {
	if q.IsEmpty() {
		return nil
	}
	return q.jobs[0]
}

// Remove takes a job out of the queue wherever it sits
func (q *jobQueue) Remove(j *job) {
	if j.index < 0 || j.index >= len(q.jobs) || q.jobs[j.index] != j {
		return
	}
	heap.Remove(&q.jobs, j.index)
}

// IsEmpty returns true if the queue is empty
func (q *jobQueue) IsEmpty() bool {
	return q.jobs.Len() == 0
}

// Len returns the number of pending jobs
func (q *jobQueue) Len() int {
	return q.jobs.Len()
}

// jobHeap implements heap.Interface for *job
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[0 : n-1]
	return j
}
