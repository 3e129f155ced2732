package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/topology"
)

// Every stage's publish target must resolve in the shared route table, and
// each stage must consume the queue its upstream neighbor publishes into.
func TestStageOptionsMatchRouteTable(t *testing.T) {
	table := topology.Default()
	workers := []struct {
		name string
		opts stage.Options
		next string // queue the stage's output should reach
	}{
		{"extract", (&Extract{}).Options(), topology.QueueDetection},
		{"detect", (&Detect{}).Options(), topology.QueueBoxTracker},
		{"boxtracker", (&BoxTrack{}).Options(), topology.QueueEstimator},
		{"estimate", (&Estimate{}).Options(), topology.QueuePoseTracker},
		{"rectify", (&Rectify{}).Options(), topology.QueueDedupe},
		{"dedupe", (&Dedupe{}).Options(), topology.QueueLocal},
	}

	seen := map[string]bool{}
	for _, w := range workers {
		require.NotEmpty(t, w.opts.Queue, "%s input queue", w.name)
		assert.False(t, seen[w.opts.Queue], "%s shares an input queue with another stage", w.name)
		seen[w.opts.Queue] = true

		queues := table.QueuesFor(w.opts.Exchange, w.opts.RoutingKey)
		require.NotEmpty(t, queues, "%s publishes to an unrouted pair %s/%s",
			w.name, w.opts.Exchange, w.opts.RoutingKey)
		assert.Contains(t, queues, w.next, "%s output must reach %s", w.name, w.next)

		if w.opts.Monitor != nil {
			assert.Contains(t, table.Queues(), w.opts.Monitor.Name,
				"%s monitors an unknown queue", w.name)
		}
	}

	// The sink consumes and never publishes.
	sink := (&SaveLocal{}).Options()
	assert.Equal(t, topology.QueueLocal, sink.Queue)
	assert.Empty(t, sink.Exchange)
}

// The dedupe output pair fans out to the upload queue as well, so remote
// consumers see the same finalized frames the local sink writes.
func TestDedupeOutputFansOutToUpload(t *testing.T) {
	opts := (&Dedupe{}).Options()
	queues := topology.Default().QueuesFor(opts.Exchange, opts.RoutingKey)
	assert.ElementsMatch(t, []string{topology.QueueUpload, topology.QueueLocal}, queues)
}
