// Package state defines the fixed vocabularies of the dispatcher: job
// statuses with their transition table, queue and worker lifecycle states,
// queue priorities, and dispatch strategies.
package state

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
)

// jobTransitions lists the allowed (from -> to) moves. Failed -> Pending is
// realized by retry cloning a new row, never by rewriting the failed row.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:   {JobRunning, JobFailed, JobCancelled},
	JobRunning:   {JobCompleted, JobFailed, JobCancelled},
	JobCompleted: {},
	JobFailed:    {},
	JobCancelled: {},
}

// ValidTransition reports whether a job may move from one status to another.
func ValidTransition(from, to JobStatus) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status is final.
func Terminal(s JobStatus) bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether a job in this status still needs dispatch attention.
func Active(s JobStatus) bool {
	return s == JobPending || s == JobRunning
}

// Retryable reports whether a job in this status can be retried.
func Retryable(s JobStatus) bool {
	return s == JobFailed
}

// JobStatuses returns every job status, in lifecycle order.
func JobStatuses() []JobStatus {
	return []JobStatus{JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled}
}

// QueueState is the operator-controlled state of a queue.
type QueueState string

const (
	QueueStarted QueueState = "started"
	QueueStopped QueueState = "stopped"
	QueuePaused  QueueState = "paused"
)

// ValidQueueState reports whether s is a known queue state.
func ValidQueueState(s QueueState) bool {
	return s == QueueStarted || s == QueueStopped || s == QueuePaused
}

// QueuePriority orders queues for dispatch.
type QueuePriority string

const (
	PriorityCritical QueuePriority = "critical"
	PriorityHigh     QueuePriority = "high"
	PriorityNormal   QueuePriority = "normal"
	PriorityLow      QueuePriority = "low"
)

var priorityRank = map[QueuePriority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// PriorityRank maps a priority to its dispatch order; lower dispatches
// first. Unknown priorities sort after low.
func PriorityRank(p QueuePriority) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// ValidQueuePriority reports whether p is a known priority.
func ValidQueuePriority(p QueuePriority) bool {
	_, ok := priorityRank[p]
	return ok
}

// WorkerStatus is the observed health of a worker, written by the health
// monitor and the provisioner.
type WorkerStatus string

const (
	WorkerOnline       WorkerStatus = "online"
	WorkerOffline      WorkerStatus = "offline"
	WorkerProvisioning WorkerStatus = "provisioning"
	WorkerError        WorkerStatus = "error"
)

// WorkerState is the operator-controlled lifecycle state of a worker.
// "failed" is sticky: only an explicit start clears it.
type WorkerState string

const (
	WorkerStarted WorkerState = "started"
	WorkerStopped WorkerState = "stopped"
	WorkerPaused  WorkerState = "paused"
	WorkerFailed  WorkerState = "failed"
)

// Strategy names a worker-selection strategy for a queue.
type Strategy string

const (
	RoundRobin  Strategy = "round_robin"
	LeastLoaded Strategy = "least_loaded"
	Random      Strategy = "random"
	Priority    Strategy = "priority"
)

var strategyDescriptions = map[Strategy]string{
	RoundRobin:  "Distribute jobs evenly across workers in rotation",
	LeastLoaded: "Send jobs to the worker with the least current load",
	Random:      "Randomly select a worker for each job",
	Priority:    "Select workers based on priority assignment",
}

// DefaultStrategy is used when a queue does not name one.
const DefaultStrategy = RoundRobin

// ValidStrategy reports whether s is a known strategy.
func ValidStrategy(s Strategy) bool {
	_, ok := strategyDescriptions[s]
	return ok
}

// Strategies returns all known strategies.
func Strategies() []Strategy {
	return []Strategy{RoundRobin, LeastLoaded, Random, Priority}
}

// StrategyDescription returns a human-readable description of a strategy.
func StrategyDescription(s Strategy) string {
	if d, ok := strategyDescriptions[s]; ok {
		return d
	}
	return "Unknown strategy"
}
