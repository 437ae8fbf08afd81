package runner

import (
	"context"

	"github.com/basket/go-pilot/internal/cron"
	"github.com/basket/go-pilot/internal/persistence"
)

// Noop completes every job immediately without doing work. It is the default
// when no webhook is configured, keeping the scheduling machinery observable
// without a worker.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Execute(_ context.Context, _ cron.Job) (cron.Outcome, error) {
	return cron.Outcome{Status: persistence.ExecutionCompleted}, nil
}
