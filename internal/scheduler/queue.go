package scheduler

import (
	"svcron/internal/crontab"
	"svcron/internal/database"
)

// Job is one pending run of an entry.
type Job struct {
	Entry *crontab.Entry
	User  *database.UserSchedule
}

// Queue holds the jobs selected for dispatch. An entry is queued at most once
// until the queue is drained; order of first insertion is kept.
type Queue struct {
	jobs   []Job
	queued map[*crontab.Entry]struct{}
}

func NewQueue() *Queue {
	return &Queue{queued: map[*crontab.Entry]struct{}{}}
}

// Add queues job unless its entry is already pending.
func (q *Queue) Add(job Job) bool {
	if q.queued == nil {
		q.queued = map[*crontab.Entry]struct{}{}
	}
	if _, ok := q.queued[job.Entry]; ok {
		return false
	}
	q.queued[job.Entry] = struct{}{}
	q.jobs = append(q.jobs, job)
	return true
}

func (q *Queue) Len() int { return len(q.jobs) }

// Drain hands every pending job to run, in order, and empties the queue.
// It returns how many jobs were run.
func (q *Queue) Drain(run func(Job)) int {
	jobs := q.jobs
	q.jobs = nil
	for k := range q.queued {
		delete(q.queued, k)
	}
	for _, j := range jobs {
		run(j)
	}
	return len(jobs)
}
