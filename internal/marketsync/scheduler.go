package marketsync

import (
	"github.com/robfig/cron/v3"
)

// ScheduledTask runs a function on a cron schedule until cancelled
type ScheduledTask struct {
	cronID cron.EntryID
	cron   *cron.Cron
	cancel chan struct{}
}

// NewScheduledTask starts running taskFunc on cronSpec. Descriptors such as
// "@every 5m" are accepted.
func NewScheduledTask(cronSpec string, taskFunc func()) (*ScheduledTask, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	cancel := make(chan struct{})
	task := &ScheduledTask{
		cron:   c,
		cancel: cancel,
	}

	id, err := c.AddFunc(cronSpec, func() {
		select {
		case <-cancel:
			return
		default:
			taskFunc()
		}
	})
	if err != nil {
		return nil, err
	}

	task.cronID = id
	c.Start()
	return task, nil
}

// Cancel stops the schedule and waits for a running invocation to finish
func (s *ScheduledTask) Cancel() {
	s.cron.Remove(s.cronID)
	close(s.cancel)
	<-s.cron.Stop().Done()
}
