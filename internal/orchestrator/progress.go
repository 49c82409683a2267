package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/netscan-engine/internal/lockmgr"
	"github.com/yourorg/netscan-engine/internal/model"
)

const (
	stageStart     = "scan.start"
	stageProbe     = "probe"
	stageClassify  = "classify"
	stageCorrelate = "correlate"
	stageAggregate = "aggregate"
	stageCommit    = "commit"
	stageDone      = "scan.done"
)

// derivePct maps a pipeline stage onto overall progress. The probe stage
// dominates wall time, so it is scaled by hosts finished.
func derivePct(stage string, done, total int) int {
	switch stage {
	case stageStart:
		return 1
	case stageProbe:
		if total <= 0 {
			return 80
		}
		return 5 + 75*done/total
	case stageClassify:
		return 82
	case stageCorrelate:
		return 88
	case stageAggregate:
		return 94
	case stageCommit:
		return 97
	case stageDone:
		return 100
	default:
		return 50
	}
}

// progress forwards events to the store from its own goroutine so probing
// never waits on the database. Intermediate events are dropped when the
// buffer is full.
type progress struct {
	store  Store
	scanID string
	lease  *lockmgr.Lease
	log    *logrus.Entry
	touch  func(pct int, msg string)

	events chan model.ProgressEvent
	done   chan struct{}
}

func startProgress(ctx context.Context, store Store, scanID string, lease *lockmgr.Lease, log *logrus.Entry, touch func(int, string)) *progress {
	p := &progress{
		store:  store,
		scanID: scanID,
		lease:  lease,
		log:    log,
		touch:  touch,
		events: make(chan model.ProgressEvent, 32),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		for ev := range p.events {
			msg := ev.Stage + ": " + ev.Detail
			if err := p.store.UpdateProgress(ctx, p.scanID, ev.Pct, msg); err != nil {
				p.log.WithError(err).Warn("update progress failed")
			}
			if err := p.store.InsertEvent(ctx, p.scanID, ev); err != nil {
				p.log.WithError(err).Debug("insert scan event failed")
			}
		}
	}()
	return p
}

func (p *progress) report(stage, detail string, done, total int) {
	ev := model.ProgressEvent{Stage: stage, Detail: detail, Pct: derivePct(stage, done, total), TS: time.Now().UTC()}
	p.lease.Extend()
	if p.touch != nil {
		p.touch(ev.Pct, ev.Stage+": "+ev.Detail)
	}
	if stage == stageProbe && done < total {
		select {
		case p.events <- ev:
		default:
		}
		return
	}
	p.events <- ev
}

// stop flushes pending events and waits for the writer to exit.
func (p *progress) stop() {
	close(p.events)
	<-p.done
}
