package repo

import (
	"context"
	"database/sql"
	"time"
)

// RelayCursor returns the last delivered audit id for a sink. ok is false
// when the sink has never stored one.
func (r Repo) RelayCursor(ctx context.Context, sink string) (id int64, ok bool, err error) {
	err = r.Conn().QueryRowContext(ctx, `SELECT last_event_id FROM relay_cursors WHERE sink=?`, sink).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SetRelayCursor(ctx context.Context, sink string, lastEventID int64, now time.Time) error {
	_, err := r.Conn().ExecContext(ctx, `INSERT INTO relay_cursors(sink,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(sink) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		sink, lastEventID, formatTime(now))
	return err
}
