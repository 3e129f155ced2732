// Command posepipe runs the video-to-pose pipeline: stage workers, queue
// utilities and the single-process batch runner.
//
// Usage:
//
//	posepipe <command> [flags]
//
// Stage workers: extract, detect, boxtracker, estimate, rectify,
// deduplicate, savelocal. Utilities: queue-video, read-queue, monitor.
// Batch mode: run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/wildflower-tech/posepipe/internal/completion"
	"github.com/wildflower-tech/posepipe/internal/config"
	"github.com/wildflower-tech/posepipe/internal/correlate"
	"github.com/wildflower-tech/posepipe/internal/inference"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/posenms"
	"github.com/wildflower-tech/posepipe/internal/spill"
	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/stages"
	"github.com/wildflower-tech/posepipe/internal/topology"
	"github.com/wildflower-tech/posepipe/internal/transport"
	"github.com/wildflower-tech/posepipe/internal/version"
)

const usage = `usage: posepipe <command> [flags]

stage workers:
  extract      decode queued videos into frames
  detect       find person boxes in frames
  boxtracker   catalog detections and declare manifests
  estimate     compute pose proposals for detections
  rectify      record proposals and trigger completed frames
  deduplicate  suppress duplicate poses and finalize frames
  savelocal    write finalized frames to disk

utilities:
  queue-video  enqueue one video job
  read-queue   pop and print messages from a queue
  monitor      print every queue's depth
  version      print build information

batch:
  run          process a job list in one process, no broker
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if cmd == "version" {
		fmt.Printf("posepipe %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "extract", "detect", "boxtracker", "estimate", "rectify", "deduplicate", "savelocal":
		err = runStage(ctx, cfg, cmd, args)
	case "queue-video":
		err = runQueueVideo(ctx, cfg, args)
	case "read-queue":
		err = runReadQueue(ctx, cfg, args)
	case "monitor":
		err = runMonitor(ctx, cfg, args)
	case "run":
		err = runBatch(ctx, cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && ctx.Err() == nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// transportFlags adds the shared worker flags to a flag set.
type workerFlags struct {
	transport *string
	batch     *int
	modelURL  *string
}

func addWorkerFlags(fs *flag.FlagSet) workerFlags {
	return workerFlags{
		transport: fs.String("transport", "redis", "queue transport: redis, mgmt or amqp"),
		batch:     fs.Int("batch", 0, "pull batch size (0 uses the stage default)"),
		modelURL:  fs.String("model-url", "http://localhost:9090", "base URL of the model-serving sidecar"),
	}
}

func newClient(cfg config.Config, mode string, routes *topology.Table) (transport.Client, error) {
	switch mode {
	case "redis":
		return transport.NewRedisClient(cfg.RedisAddr, routes), nil
	case "mgmt":
		return transport.NewMgmtClient(transport.MgmtConfig{
			Host:     cfg.RabbitHost,
			Port:     cfg.RabbitPort,
			Username: cfg.RabbitUser,
			Password: cfg.RabbitPassword,
			VHost:    cfg.RabbitVHost,
		}, nil, routes), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", mode)
	}
}

// stageWorker pairs a transform with its loop options.
type stageWorker interface {
	Transform(ctx context.Context, msgs [][]byte) ([][]byte, error)
	Options() stage.Options
}

func buildWorker(cfg config.Config, name string, client transport.Client, modelURL string) (stageWorker, func(), error) {
	cleanup := func() {}
	switch name {
	case "extract":
		svc := inference.NewService(modelURL, nil)
		return &stages.Extract{
			Extractor: inference.NewExtractor(svc),
			Writer:    posenms.NewWriter(nil),
		}, cleanup, nil
	case "detect":
		svc := inference.NewService(modelURL, nil)
		return &stages.Detect{Detector: inference.NewDetector(svc), BatchSize: 2}, cleanup, nil
	case "boxtracker":
		store, err := correlate.Open()
		if err != nil {
			return nil, nil, err
		}
		spillStore, err := spill.NewStore(cfg.SpillDir, nil)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return &stages.BoxTrack{
			Store:   store,
			Tracker: completion.NewRedisTracker(cfg.RedisAddr, spillStore, cfg.InlineLimit),
			Client:  client,
		}, func() { store.Close() }, nil
	case "estimate":
		svc := inference.NewService(modelURL, nil)
		return &stages.Estimate{Estimator: inference.NewEstimator(svc), BatchSize: 10}, cleanup, nil
	case "rectify":
		spillStore, err := spill.NewStore(cfg.SpillDir, nil)
		if err != nil {
			return nil, nil, err
		}
		return &stages.Rectify{
			Tracker: completion.NewRedisTracker(cfg.RedisAddr, spillStore, cfg.InlineLimit),
		}, cleanup, nil
	case "deduplicate":
		spillStore, err := spill.NewStore(cfg.SpillDir, nil)
		if err != nil {
			return nil, nil, err
		}
		return &stages.Dedupe{
			Tracker: completion.NewRedisTracker(cfg.RedisAddr, spillStore, cfg.InlineLimit),
			Client:  client,
		}, cleanup, nil
	case "savelocal":
		return &stages.SaveLocal{Writer: posenms.NewWriter(nil)}, cleanup, nil
	}
	return nil, nil, fmt.Errorf("unknown stage %q", name)
}

func runStage(ctx context.Context, cfg config.Config, name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	wf := addWorkerFlags(fs)
	fs.Parse(args)

	routes := topology.Default()
	client, err := newClient(cfg, clientMode(*wf.transport), routes)
	if err != nil {
		return err
	}
	worker, cleanup, err := buildWorker(cfg, name, client, *wf.modelURL)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := worker.Options()
	if *wf.batch > 0 {
		opts.BatchSize = *wf.batch
	} else if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	opts.InlineLimit = cfg.InlineLimit

	store, err := spill.NewStore(cfg.SpillDir, nil)
	if err != nil {
		return err
	}

	log.Printf("starting %s worker on queue %s", name, opts.Queue)
	if *wf.transport == "amqp" {
		runner := &stage.AMQPStage{
			URL:       cfg.AMQPURL,
			Routes:    routes,
			Store:     store,
			Transform: worker.Transform,
			Opts:      opts,
		}
		return runner.Run(ctx)
	}
	proc := stage.New(client, store, worker.Transform, opts)
	return proc.Run(ctx)
}

// clientMode maps the amqp flag to a side-channel transport; the native
// path still needs a Client for direct publishes (tombstones, errors).
func clientMode(mode string) string {
	if mode == "amqp" {
		return "mgmt"
	}
	return mode
}

func runQueueVideo(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("queue-video", flag.ExitOnError)
	wf := addWorkerFlags(fs)
	path := fs.String("path", "", "video file path (required)")
	assignment := fs.String("assignment", "", "assignment id")
	environment := fs.String("environment", "", "environment id")
	timestamp := fs.String("timestamp", "", "video start time, ISO format (defaults to now)")
	fs.Parse(args)
	if *path == "" {
		return fmt.Errorf("-path is required")
	}
	ts := *timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(pose.ISOFormat)
	}
	job := pose.VideoJob{
		Date:          time.Now().UTC().Format(pose.ISOFormat),
		Path:          *path,
		AssignmentID:  *assignment,
		EnvironmentID: *environment,
		Timestamp:     ts,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	client, err := newClient(cfg, clientMode(*wf.transport), topology.Default())
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, topology.ExchangeVideos, "extract-frames", [][]byte{raw}); err != nil {
		return err
	}
	log.Printf("queued %s", *path)
	return nil
}

func runReadQueue(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("read-queue", flag.ExitOnError)
	wf := addWorkerFlags(fs)
	queue := fs.String("queue", topology.QueueErrors, "queue to read")
	count := fs.Int("count", 10, "messages to pop")
	fs.Parse(args)

	client, err := newClient(cfg, clientMode(*wf.transport), topology.Default())
	if err != nil {
		return err
	}
	msgs, err := client.GetMessages(ctx, *queue, *count)
	if err != nil {
		return err
	}
	for i, m := range msgs {
		fmt.Printf("%3d %q\n", i, m)
	}
	log.Printf("popped %d messages from %s", len(msgs), *queue)
	return nil
}

func runMonitor(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	wf := addWorkerFlags(fs)
	interval := fs.Duration("interval", 0, "repeat every interval (0 prints once)")
	fs.Parse(args)

	client, err := newClient(cfg, clientMode(*wf.transport), topology.Default())
	if err != nil {
		return err
	}
	for {
		if err := printDepths(ctx, client); err != nil {
			return err
		}
		if *interval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*interval):
		}
	}
}

func printDepths(ctx context.Context, client transport.Client) error {
	depths := make(map[string]int)
	if sr, ok := client.(transport.StatsReporter); ok {
		m, err := sr.Stats(ctx)
		if err != nil {
			return err
		}
		depths = m
	} else {
		for _, q := range topology.Default().Queues() {
			n, err := client.FetchQueueDepth(ctx, q)
			if err != nil {
				return err
			}
			depths[q] = n
		}
	}
	names := make([]string, 0, len(depths))
	for q := range depths {
		names = append(names, q)
	}
	sort.Strings(names)
	for _, q := range names {
		fmt.Printf("%-18s %d\n", q, depths[q])
	}
	return nil
}

func runBatch(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	wf := addWorkerFlags(fs)
	jobFile := fs.String("job-batch", "", "file with one video path per line (required)")
	assignment := fs.String("assignment", "", "assignment id")
	environment := fs.String("environment", "", "environment id")
	fs.Parse(args)
	if *jobFile == "" {
		return fmt.Errorf("-job-batch is required")
	}
	data, err := os.ReadFile(*jobFile)
	if err != nil {
		return err
	}
	var jobs []pose.VideoJob
	now := time.Now().UTC().Format(pose.ISOFormat)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		jobs = append(jobs, pose.VideoJob{
			Date:          now,
			Path:          line,
			AssignmentID:  *assignment,
			EnvironmentID: *environment,
			Timestamp:     now,
		})
	}
	svc := inference.NewService(*wf.modelURL, nil)
	runner := &stages.Runner{
		Extractor: inference.NewExtractor(svc),
		Detector:  inference.NewDetector(svc),
		Estimator: inference.NewEstimator(svc),
		Writer:    posenms.NewWriter(nil),
	}
	sum, err := runner.Run(ctx, jobs)
	if err != nil {
		return err
	}
	log.Printf("run complete: %d frames, %d pose frames (%d poses), %d tombstones",
		sum.Frames, sum.PoseFrames, sum.Poses, sum.Tombstones)
	return nil
}
