package indexdb

import (
	"context"
	"database/sql"
	"errors"
)

type FrameRow struct {
	Frame        uint64
	Checksum     uint32
	Entries      int
	PayloadBytes int
	Resimulated  bool
}

type CorrectionRow struct {
	InputFrame uint64
	Player     int
	FromFrame  uint64
	ToFrame    uint64
	Depth      uint64
}

func (s *SQLiteIndex) Frame(ctx context.Context, frame uint64) (FrameRow, bool, error) {
	var (
		r     FrameRow
		sum   int64
		resim bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT frame, checksum, entries, payload_bytes, resimulated FROM frames WHERE frame = ?`, int64(frame)).
		Scan(&r.Frame, &sum, &r.Entries, &r.PayloadBytes, &resim)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	r.Checksum = uint32(sum)
	r.Resimulated = resim
	return r, true, nil
}

func (s *SQLiteIndex) Corrections(ctx context.Context) ([]CorrectionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT input_frame, player, from_frame, to_frame, depth FROM corrections ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CorrectionRow
	for rows.Next() {
		var c CorrectionRow
		if err := rows.Scan(&c.InputFrame, &c.Player, &c.FromFrame, &c.ToFrame, &c.Depth); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
