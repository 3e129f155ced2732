package stages

import (
	"context"
	"log"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/posenms"
	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/topology"
)

// SaveLocal is the terminal sink: it writes each finalized pose set to disk
// next to its source video and publishes nothing.
type SaveLocal struct {
	Writer *posenms.Writer
	Logger *log.Logger
}

// Options returns the worker-loop configuration for the local-save stage.
func (s *SaveLocal) Options() stage.Options {
	return stage.Options{
		Queue:     topology.QueueLocal,
		BatchSize: 10,
		Logger:    s.Logger,
	}
}

// Transform writes each frame and emits nothing.
func (s *SaveLocal) Transform(_ context.Context, msgs [][]byte) ([][]byte, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	for _, raw := range msgs {
		var frame pose.PoseFrame
		if err := envelope.Unmarshal(raw, &frame); err != nil {
			logger.Printf("savelocal: bad pose frame: %v", err)
			continue
		}
		path, err := s.Writer.Write(frame)
		if err != nil {
			logger.Printf("savelocal: %v", err)
			continue
		}
		logger.Printf("savelocal: wrote %s (%d poses)", path, len(frame.Poses))
	}
	return nil, nil
}
