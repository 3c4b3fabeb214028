package pipeline

import (
	"context"
	"errors"
	"log"

	"github.com/panjf2000/ants/v2"

	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/models"
)

// Dispatcher runs controller invocations asynchronously on a bounded
// worker pool. When autoResume is on, an invocation that exits paused is
// immediately re-submitted as a fresh invocation with a fresh clock; this
// is the self-triggering continuation that lets a document finish across
// many short-lived runs. With autoResume off, continuation is left to an
// external caller of the resume endpoint (operator or cron).
type Dispatcher struct {
	controller *Controller
	pool       *ants.Pool
	autoResume bool
}

func NewDispatcher(controller *Controller, poolSize int, autoResume bool) (*Dispatcher, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{controller: controller, pool: pool, autoResume: autoResume}, nil
}

// TriggerIngest schedules a pipeline run for a freshly created document.
func (d *Dispatcher) TriggerIngest(documentID, ownerID string) {
	d.submit(documentID, func() (string, error) {
		return d.controller.Run(context.Background(), documentID, ownerID)
	})
}

// TriggerResume schedules a resume for a paused or errored document.
func (d *Dispatcher) TriggerResume(documentID, ownerID string) {
	d.submit(documentID, func() (string, error) {
		return d.controller.Resume(context.Background(), documentID, ownerID)
	})
}

func (d *Dispatcher) submit(documentID string, invoke func() (string, error)) {
	err := d.pool.Submit(func() {
		status, err := invoke()
		if err != nil {
			if errors.Is(err, core.ErrAlreadyRunning) {
				log.Printf("dispatcher: document %s already in flight, skipping", documentID)
				return
			}
			log.Printf("dispatcher: document %s stopped: %v", documentID, err)
			return
		}
		if status == models.StatusPaused && d.autoResume {
			log.Printf("dispatcher: document %s paused, re-triggering", documentID)
			// Re-submit from outside this worker: Submit blocks when the
			// pool is full, and a worker waiting on its own replacement
			// wedges the pool once every worker pauses at the same time.
			go d.submit(documentID, invoke)
		}
	})
	if err != nil {
		log.Printf("dispatcher: submit for document %s failed: %v", documentID, err)
	}
}

func (d *Dispatcher) Release() {
	if d.pool != nil {
		d.pool.Release()
	}
}
