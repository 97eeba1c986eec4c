package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/state"
)

// progressField is where startup status strings land on the project doc.
const progressField = "startupStatus"

// ProgressReporter publishes a monotonic sequence of startup status strings
// on the project document so UIs can show launch progress. Cleared on
// success, cancellation, or timeout.
type ProgressReporter struct {
	store state.Store
	path  string
	log   *logrus.Entry
}

func NewProgressReporter(store state.Store, userID, projectID string) *ProgressReporter {
	return &ProgressReporter{
		store: store,
		path:  fmt.Sprintf("users/%s/projects/%s", userID, projectID),
		log:   logrus.WithField("component", "supervisor.progress"),
	}
}

func (p *ProgressReporter) set(ctx context.Context, value *string) {
	_, err := p.store.Update(ctx, p.path, func(body []byte) ([]byte, error) {
		if body == nil {
			return nil, state.ErrNotFound
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
		if value == nil {
			delete(doc, progressField)
		} else {
			raw, _ := json.Marshal(*value)
			doc[progressField] = raw
		}
		return json.Marshal(doc)
	})
	if err != nil {
		p.log.WithError(err).Debug("progress write failed")
	}
}

// Run writes "starting (n)" every interval until ctx is cancelled, then
// clears the field.
func (p *ProgressReporter) Run(ctx context.Context, interval time.Duration) {
	n := 0
	for {
		n++
		msg := fmt.Sprintf("starting (%d)", n)
		p.set(ctx, &msg)

		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			p.set(clearCtx, nil)
			cancel()
			return
		case <-time.After(interval):
		}
	}
}
