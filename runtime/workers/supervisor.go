package workers

import (
	"context"
	stderrors "errors"
	"fmt"
	"lingo-chat/contract"
	"lingo-chat/errors"
	"log/slog"
	"sync"
	"time"
)

const waitTimeBeforeRestart = 200 * time.Millisecond

// Supervisor runs the long-lived parts of the chat client (session, console)
// each in its own goroutine.
// A panicking or failing worker is restarted after a short delay,
// a worker returning nil or ErrWorkerDone is left stopped.
// Run returns once every worker has returned.
type Supervisor struct {
	Cancel  context.CancelFunc
	wg      *sync.WaitGroup
	log     *slog.Logger
	workers []contract.Worker
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{wg: &sync.WaitGroup{}, log: log}
}

// Run starts every added worker under a context derived from ctx.
// Stop cancels only this supervisor's workers.
func (s *Supervisor) Run(ctx context.Context) {
	supervisedCtx, cancel := context.WithCancel(ctx)
	s.Cancel = cancel
	defer s.Cancel()

	for _, worker := range s.workers {
		s.Start(supervisedCtx, worker)
	}
	s.wg.Wait()
}

func (s *Supervisor) Add(worker ...contract.Worker) contract.ISupervisor {
	s.workers = append(s.workers, worker...)
	return s
}

// Start runs worker in a dedicated goroutine until ctx is done.
func (s *Supervisor) Start(ctx context.Context, worker contract.Worker) {
	s.wg.Add(1)
	workerName := contract.GetWorkerName(worker)

	go func() {
		defer s.wg.Done()

		for {
			if ctx.Err() != nil {
				s.log.Info(fmt.Sprintf("Stopping : %s", workerName))
				return
			}

			err := s.runOnce(ctx, worker)
			switch {
			case err == nil:
				s.log.Info(fmt.Sprintf("Worker finished : %s", workerName))
				return
			case ctx.Err() != nil:
				s.log.Info("Worker stopped (context canceled)", "name", workerName)
				return
			case stderrors.Is(err, errors.ErrWorkerDone):
				s.log.Error("Worker cannot be restarted", "name", workerName, "error", err)
				return
			}

			s.log.Warn("Worker crashed, restarting", "name", workerName, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(waitTimeBeforeRestart):
			}
		}
	}()
}

func (s *Supervisor) runOnce(ctx context.Context, worker contract.Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
		}
	}()
	return worker.Run(ctx)
}

// Stop cancels the workers, Run returns once they are all gone.
func (s *Supervisor) Stop() {
	if s.Cancel != nil {
		s.Cancel()
	}
}
