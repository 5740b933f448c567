package state

import "testing"

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{JobPending, JobRunning},
		{JobPending, JobCancelled},
		{JobRunning, JobCompleted},
		{JobRunning, JobFailed},
		{JobRunning, JobCancelled},
		{JobPending, JobFailed},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to JobStatus }{
		{JobPending, JobCompleted},
		{JobFailed, JobPending},
		{JobCompleted, JobRunning},
		{JobCompleted, JobPending},
		{JobCancelled, JobRunning},
		{JobFailed, JobRunning},
		{JobRunning, JobPending},
	}
	for _, tr := range denied {
		if ValidTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be denied", tr.from, tr.to)
		}
	}
}

func TestTerminalAndActive(t *testing.T) {
	for _, s := range JobStatuses() {
		if Terminal(s) == Active(s) {
			t.Errorf("status %s: terminal and active must be exclusive", s)
		}
	}
	if !Terminal(JobCompleted) || !Terminal(JobFailed) || !Terminal(JobCancelled) {
		t.Error("completed/failed/cancelled must be terminal")
	}
	if !Active(JobPending) || !Active(JobRunning) {
		t.Error("pending/running must be active")
	}
}

func TestRetryable(t *testing.T) {
	for _, s := range JobStatuses() {
		want := s == JobFailed
		if Retryable(s) != want {
			t.Errorf("Retryable(%s) = %v, want %v", s, Retryable(s), want)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	order := []QueuePriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 1; i < len(order); i++ {
		if PriorityRank(order[i-1]) >= PriorityRank(order[i]) {
			t.Errorf("%s must rank before %s", order[i-1], order[i])
		}
	}
	if PriorityRank("bogus") <= PriorityRank(PriorityLow) {
		t.Error("unknown priority must sort after low")
	}
}

func TestValidStrategy(t *testing.T) {
	for _, s := range Strategies() {
		if !ValidStrategy(s) {
			t.Errorf("strategy %s reported invalid", s)
		}
		if StrategyDescription(s) == "Unknown strategy" {
			t.Errorf("strategy %s has no description", s)
		}
	}
	if ValidStrategy("fifo") {
		t.Error("unknown strategy reported valid")
	}
}
