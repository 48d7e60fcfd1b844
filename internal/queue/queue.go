// Package queue defines the three FIFO work queues shared between the
// reactor, the lifecycle workers, and the fan-out stage: descriptor ids
// awaiting Login, descriptor ids to disconnect, and push jobs awaiting
// delivery through the push gateway. Each is multi-producer
// single-consumer; shutdown is modeled by closing the channel rather than
// pushing a sentinel value.
package queue

// DisconnectJob carries a descriptor id and whether its closure was
// abnormal (peer error/hang-up) or orderly (Exit, protocol violation).
type DisconnectJob struct {
	FD       int
	Abnormal bool
}

// PushJob carries everything the push worker needs to call the push
// gateway and, on invalid-token, purge it from persistence.
type PushJob struct {
	Token       string
	DisplayName string
	Body        string
	UserID      int
}

// Queues bundles the three channels. Buffered generously since producers
// (the reactor, the dispatch pool) must never block on them.
type Queues struct {
	Initialize chan int
	Disconnect chan DisconnectJob
	Push       chan PushJob
}

// New allocates a fresh set of queues.
func New() *Queues {
	return &Queues{
		Initialize: make(chan int, 256),
		Disconnect: make(chan DisconnectJob, 256),
		Push:       make(chan PushJob, 1024),
	}
}

// Close shuts down all three queues, signalling their consumer workers
// to drain and exit.
func (q *Queues) Close() {
	close(q.Initialize)
	close(q.Disconnect)
	close(q.Push)
}
