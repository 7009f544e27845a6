package engine

import (
	"context"

	"perpcore/internal/domain"
)

const archiveBatch = 256

// archiveOrder queues a terminal order for the journal. It runs on the
// order's shard and never waits: when the archiver is behind, the order is
// left out of the journal and counted. The order store still holds it.
func (e *Engine) archiveOrder(o domain.Order) {
	if e.journal == nil {
		return
	}
	select {
	case e.archive <- o:
	default:
		journalSkipped.Inc()
		e.log.Warn("journal queue full, order not journaled", "id", o.ID, "status", o.Status)
	}
}

// runArchiver appends queued orders to the journal in batches until the
// queue is closed.
func (e *Engine) runArchiver() {
	defer e.archiveWg.Done()

	for o := range e.archive {
		batch := []domain.Order{o}
	drain:
		for len(batch) < archiveBatch {
			select {
			case next, ok := <-e.archive:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		if err := e.journal.AppendOrders(context.Background(), batch); err != nil {
			e.log.Error("appending to journal", "orders", len(batch), "error", err)
			continue
		}
		e.log.Debug("journaled orders", "orders", len(batch))
	}
}
