// Package topology defines the static exchange/queue/routing-key table that
// describes the pipeline graph. Every process declares the same table before
// exchanging messages, so publishers and consumers always agree on bindings.
package topology

// Route is one hop of pipeline topology: messages published to
// (Exchange, RoutingKey) land on Queue. A single (exchange, routing key)
// pair may fan out to multiple queues.
type Route struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Target names a publish destination without naming the queue(s) behind it.
type Target struct {
	Exchange   string
	RoutingKey string
}

// Queue and exchange names for the pose pipeline.
//
//	video -> detection -> box-tracker -> estimator -> pose-tracker -> pose-deduplicate -> pose-local
const (
	ExchangeVideos = "videos"
	ExchangeImages = "images"
	ExchangeBoxes  = "boxes"
	ExchangePoses  = "poses"
	ExchangeErrors = "errors"

	QueueVideo       = "video"
	QueueDetection   = "detection"
	QueueEstimator   = "estimator"
	QueueBoxTracker  = "box-tracker"
	QueuePoseTracker = "pose-tracker"
	QueueDedupe      = "pose-deduplicate"
	QueueUpload      = "pose-upload"
	QueueLocal       = "pose-local"
	QueueErrors      = "error"
)

// Routes is the full pipeline topology. The "poses"/"2dposeset" pair fans
// out to both the upload queue and the local save queue.
var Routes = []Route{
	{ExchangeVideos, QueueVideo, "extract-frames"},
	{ExchangeImages, QueueDetection, "detector"},
	{ExchangeBoxes, QueueEstimator, "estimation"},
	{ExchangeBoxes, QueueBoxTracker, "catalog"},
	{ExchangePoses, QueuePoseTracker, "2dpose"},
	{ExchangePoses, QueueDedupe, "imageid"},
	{ExchangePoses, QueueUpload, "2dposeset"},
	{ExchangePoses, QueueLocal, "2dposeset"},
	{ExchangeErrors, QueueErrors, "error"},
}

// Table is an indexed route table.
type Table struct {
	routes []Route
	byKey  map[Target][]string
}

// NewTable builds a Table from the given routes.
func NewTable(routes []Route) *Table {
	t := &Table{routes: routes, byKey: make(map[Target][]string)}
	for _, r := range routes {
		k := Target{Exchange: r.Exchange, RoutingKey: r.RoutingKey}
		t.byKey[k] = append(t.byKey[k], r.Queue)
	}
	return t
}

// Default returns a Table over the standard pipeline Routes.
func Default() *Table { return NewTable(Routes) }

// QueuesFor resolves (exchange, routingKey) to destination queues. An empty
// result means the pair is not part of the topology.
func (t *Table) QueuesFor(exchange, routingKey string) []string {
	return t.byKey[Target{Exchange: exchange, RoutingKey: routingKey}]
}

// Queues returns the distinct queue names in the table.
func (t *Table) Queues() []string {
	seen := make(map[string]bool, len(t.routes))
	var out []string
	for _, r := range t.routes {
		if !seen[r.Queue] {
			seen[r.Queue] = true
			out = append(out, r.Queue)
		}
	}
	return out
}

// Routes returns the underlying route list.
func (t *Table) Routes() []Route { return t.routes }
