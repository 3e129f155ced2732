// Package correlate tracks the frame↔box↔pose relationships for one
// pipeline run. The store is an in-memory SQLite database private to its
// process: frames are declared as they are seen, detector boxes get their
// identity minted here, and pose proposals accumulate until every box of a
// frame has reported back.
package correlate

import (
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
)

//go:embed schema.sql
var schemaSQL string

// ErrUnknownFrame reports a lookup for a frame never declared to the store.
var ErrUnknownFrame = fmt.Errorf("correlate: unknown frame")

// Store is the per-run correlation index.
type Store struct {
	*sql.DB
}

// Open creates a fresh in-memory store. Every worker process gets its own;
// nothing here is shared or persisted.
func Open() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// The database lives and dies with one goroutine's work loop, but
	// database/sql pools connections and a second connection would see an
	// empty :memory: database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("correlate: schema: %w", err)
	}
	return &Store{db}, nil
}

// DeclareFrame records a frame's metadata. Re-declaring the same frame is a
// no-op overwrite, so redelivered messages do not corrupt the index.
func (s *Store) DeclareFrame(m pose.FrameMeta) error {
	_, err := s.Exec(`INSERT OR REPLACE INTO images
		(img_id, im_name, path, assignment_id, environment_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ImageID, m.ImageName, m.Path, m.AssignmentID, m.EnvironmentID, m.Timestamp)
	if err != nil {
		return fmt.Errorf("correlate: declare frame %s: %w", m.ImageID, err)
	}
	return nil
}

// IngestDetections declares the frame, mints a box_id for every raw box and
// returns the flattened detections ready for the estimator queue.
func (s *Store) IngestDetections(d pose.FrameDetections) ([]pose.Detection, error) {
	if err := s.DeclareFrame(d.Frame); err != nil {
		return nil, err
	}
	out := make([]pose.Detection, 0, len(d.Boxes))
	for _, b := range d.Boxes {
		boxID := uuid.NewString()
		_, err := s.Exec(`INSERT INTO image_boxes
			(box_id, img_id, x0, y0, x1, y1, crop_x0, crop_y0, crop_x1, crop_y1, score, track_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			boxID, d.Frame.ImageID,
			b.Box[0], b.Box[1], b.Box[2], b.Box[3],
			b.CroppedBox[0], b.CroppedBox[1], b.CroppedBox[2], b.CroppedBox[3],
			b.Score, b.TrackID)
		if err != nil {
			return nil, fmt.Errorf("correlate: ingest box for %s: %w", d.Frame.ImageID, err)
		}
		out = append(out, pose.Detection{
			ImageID:       d.Frame.ImageID,
			BoxID:         boxID,
			ImageName:     d.Frame.ImageName,
			Path:          d.Frame.Path,
			AssignmentID:  d.Frame.AssignmentID,
			EnvironmentID: d.Frame.EnvironmentID,
			Timestamp:     d.Frame.Timestamp,
			Box:           b.Box,
			CroppedBox:    b.CroppedBox,
			Score:         b.Score,
			TrackID:       b.TrackID,
			Input:         b.Input,
		})
	}
	return out, nil
}

// RecordProposal stores one pose proposal against its box. A proposal for an
// already-recorded box overwrites it, so redelivery stays harmless.
func (s *Store) RecordProposal(p pose.PoseProposal) error {
	blob, err := envelope.Marshal(p)
	if err != nil {
		return fmt.Errorf("correlate: encode proposal %s: %w", p.BoxID, err)
	}
	_, err = s.Exec(`INSERT OR REPLACE INTO pose_boxes (box_id, img_id, proposal) VALUES (?, ?, ?)`,
		p.BoxID, p.ImageID, blob)
	if err != nil {
		return fmt.Errorf("correlate: record proposal %s: %w", p.BoxID, err)
	}
	return nil
}

// ProposalsForFrame returns every recorded proposal for the frame, ordered
// by box_id so callers see a deterministic sequence.
func (s *Store) ProposalsForFrame(imageID string) ([]pose.PoseProposal, error) {
	rows, err := s.Query(`SELECT proposal FROM pose_boxes WHERE img_id = ? ORDER BY box_id`, imageID)
	if err != nil {
		return nil, fmt.Errorf("correlate: proposals for %s: %w", imageID, err)
	}
	defer rows.Close()

	var out []pose.PoseProposal
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var p pose.PoseProposal
		if err := envelope.Unmarshal(blob, &p); err != nil {
			return nil, fmt.Errorf("correlate: decode proposal for %s: %w", imageID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// BoxCount reports how many detector boxes were ingested for the frame.
func (s *Store) BoxCount(imageID string) (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM image_boxes WHERE img_id = ?`, imageID).Scan(&n)
	return n, err
}

// ProposalCount reports how many boxes of the frame have a recorded pose.
func (s *Store) ProposalCount(imageID string) (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM pose_boxes WHERE img_id = ?`, imageID).Scan(&n)
	return n, err
}

// Complete reports whether every ingested box of the frame has a proposal.
// A frame with no boxes at all is complete by definition.
func (s *Store) Complete(imageID string) (bool, error) {
	boxes, err := s.BoxCount(imageID)
	if err != nil {
		return false, err
	}
	poses, err := s.ProposalCount(imageID)
	if err != nil {
		return false, err
	}
	return poses >= boxes, nil
}

// FrameMeta returns the declared metadata for a frame.
func (s *Store) FrameMeta(imageID string) (pose.FrameMeta, error) {
	var m pose.FrameMeta
	err := s.QueryRow(`SELECT img_id, im_name, path, assignment_id, environment_id, timestamp
		FROM images WHERE img_id = ?`, imageID).
		Scan(&m.ImageID, &m.ImageName, &m.Path, &m.AssignmentID, &m.EnvironmentID, &m.Timestamp)
	if err == sql.ErrNoRows {
		return m, fmt.Errorf("%w: %s", ErrUnknownFrame, imageID)
	}
	if err != nil {
		return m, fmt.Errorf("correlate: frame %s: %w", imageID, err)
	}
	return m, nil
}

// ImageIDs lists every declared frame in unspecified order.
func (s *Store) ImageIDs() ([]string, error) {
	rows, err := s.Query(`SELECT img_id FROM images`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteFrame drops a finalized frame and everything hanging off it.
func (s *Store) DeleteFrame(imageID string) error {
	for _, q := range []string{
		`DELETE FROM pose_boxes WHERE img_id = ?`,
		`DELETE FROM image_boxes WHERE img_id = ?`,
		`DELETE FROM images WHERE img_id = ?`,
	} {
		if _, err := s.Exec(q, imageID); err != nil {
			return fmt.Errorf("correlate: delete frame %s: %w", imageID, err)
		}
	}
	return nil
}
