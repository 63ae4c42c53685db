// Package complaint stores parsed log events, the complaints raised against
// addresses, and the manual black and white lists. It answers the two
// questions the daemon asks every cycle: which addresses should be banned,
// and which should be allowed again, since a given time.
package complaint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/severity"
	"github.com/zesk/ipban/internal/tailer"
	"github.com/zesk/ipban/internal/trigger"
)

// Status of a manual list entry.
type Status int

const (
	StatusBlacklist Status = 0
	StatusWhitelist Status = 1
)

func (s Status) String() string {
	if s == StatusWhitelist {
		return "whitelist"
	}
	return "blacklist"
}

// Options configures a Store.
type Options struct {
	// BanSeverity is the lowest complaint severity that bans.
	BanSeverity severity.Level
	// BanDuration is how long a complaint bans; zero bans forever.
	BanDuration time.Duration
	Clock       clock.Clock
	Logger      *logging.Logger
}

// Complaint is a recorded accusation against an address.
type Complaint struct {
	ID       string
	IP       string
	Severity severity.Level
	Message  string
	Context  map[string]any
	Created  time.Time
	Expires  time.Time // zero for never
}

// Stats counts rows in each table.
type Stats struct {
	Events     int
	Tags       int
	Complaints int
	Blacklist  int
	Whitelist  int
}

// Store is the SQLite-backed event and complaint store.
type Store struct {
	db     *sql.DB
	opts   Options
	clock  clock.Clock
	logger *logging.Logger
}

var _ trigger.CountSource = (*Store)(nil)

// New creates the tables in db if needed.
func New(db *sql.DB, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("complaint")
	}
	s := &Store{db: db, opts: opts, clock: clock.OrDefault(opts.Clock), logger: opts.Logger}
	if err := s.initSchema(); err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "failed to initialize complaint schema")
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT NOT NULL,
			utc INTEGER NOT NULL,
			parser TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tag_types (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type_id INTEGER NOT NULL REFERENCES tag_types(id),
			value TEXT NOT NULL,
			UNIQUE (type_id, value)
		);

		CREATE TABLE IF NOT EXISTS event_tags (
			event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			tag_id INTEGER NOT NULL REFERENCES tags(id),
			PRIMARY KEY (event_id, tag_id)
		);

		CREATE TABLE IF NOT EXISTS complaints (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			severity INTEGER NOT NULL,
			message TEXT NOT NULL,
			context TEXT,
			created INTEGER NOT NULL,
			expires INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS ips (
			ip TEXT NOT NULL,
			status INTEGER NOT NULL,
			utc INTEGER NOT NULL,
			PRIMARY KEY (ip, status)
		);

		CREATE INDEX IF NOT EXISTS idx_events_utc ON events(utc);
		CREATE INDEX IF NOT EXISTS idx_events_ip ON events(ip);
		CREATE INDEX IF NOT EXISTS idx_complaints_created ON complaints(created);
		CREATE INDEX IF NOT EXISTS idx_complaints_ip ON complaints(ip);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddEvent stores a record with its tags. Records without an address or
// tags are ignored.
func (s *Store) AddEvent(ctx context.Context, parser string, rec tailer.Record) error {
	if !rec.HasEvent() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "begin event")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "INSERT INTO events (ip, utc, parser) VALUES (?, ?, ?)", rec.IP, rec.Timestamp, parser)
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "insert event")
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "insert event")
	}

	for _, tag := range rec.Tags {
		tagID, err := s.tagID(ctx, tx, strings.ToLower(tag.Type), tag.Value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO event_tags (event_id, tag_id) VALUES (?, ?)", eventID, tagID); err != nil {
			return errors.Wrap(err, errors.KindIO, "insert event tag")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindIO, "commit event")
	}
	return nil
}

func (s *Store) tagID(ctx context.Context, tx *sql.Tx, typ, value string) (int64, error) {
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO tag_types (name) VALUES (?)", typ); err != nil {
		return 0, errors.Wrap(err, errors.KindIO, "insert tag type")
	}
	var typeID int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM tag_types WHERE name = ?", typ).Scan(&typeID); err != nil {
		return 0, errors.Wrap(err, errors.KindIO, "select tag type")
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO tags (type_id, value) VALUES (?, ?)", typeID, value); err != nil {
		return 0, errors.Wrap(err, errors.KindIO, "insert tag")
	}
	var tagID int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM tags WHERE type_id = ? AND value = ?", typeID, value).Scan(&tagID); err != nil {
		return 0, errors.Wrap(err, errors.KindIO, "select tag")
	}
	return tagID, nil
}

// CountByIP counts events per address for one tag type. The "types"
// method counts distinct tag values instead of distinct event times.
func (s *Store) CountByIP(ctx context.Context, q trigger.CountQuery) (map[string]int, error) {
	countExpr := "COUNT(DISTINCT e.utc)"
	if q.Method == "types" {
		countExpr = "COUNT(DISTINCT t.id)"
	}
	query := `
		SELECT e.ip, ` + countExpr + ` AS n
		FROM events e
		JOIN event_tags et ON et.event_id = e.id
		JOIN tags t ON t.id = et.tag_id
		JOIN tag_types p ON p.id = t.type_id
		WHERE p.name = ?`
	args := []any{strings.ToLower(q.Type)}
	if q.Since != 0 || q.Until != 0 {
		query += " AND e.utc >= ? AND e.utc <= ?"
		args = append(args, q.Since, q.Until)
	}
	query += " GROUP BY e.ip HAVING n >= ? ORDER BY n DESC"
	args = append(args, q.Minimum)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "count events")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var ip string
		var n int
		if err := rows.Scan(&ip, &n); err != nil {
			return nil, errors.Wrap(err, errors.KindIO, "count events")
		}
		out[ip] = n
	}
	return out, rows.Err()
}

// Render substitutes {key} placeholders in message from values.
func Render(message string, values map[string]any) string {
	if len(values) == 0 {
		return message
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(values[k]))
	}
	return strings.NewReplacer(pairs...).Replace(message)
}

// Complain records a complaint against ip and returns its ID. Complaints at
// or above the ban severity expire after BanDuration, when one is set.
func (s *Store) Complain(ctx context.Context, ip string, sev severity.Level, message string, values map[string]any) (string, error) {
	now := s.clock.Now()
	id := uuid.New().String()
	var expires int64
	if s.opts.BanDuration > 0 {
		expires = now.Add(s.opts.BanDuration).Unix()
	}
	var ctxJSON []byte
	if len(values) > 0 {
		var err error
		if ctxJSON, err = json.Marshal(values); err != nil {
			return "", errors.Wrap(err, errors.KindInternal, "encode complaint context")
		}
	}
	text := Render(message, values)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO complaints (id, ip, severity, message, context, created, expires) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, ip, int(sev), text, string(ctxJSON), now.Unix(), expires)
	if err != nil {
		return "", errors.Wrap(err, errors.KindIO, "insert complaint")
	}
	s.logger.Info("Complaint", "ip", ip, "severity", sev.String(), "message", text, "id", id)
	return id, nil
}

// Complaints returns the complaints against ip, newest first.
func (s *Store) Complaints(ctx context.Context, ip string) ([]Complaint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ip, severity, message, context, created, expires FROM complaints WHERE ip = ? ORDER BY created DESC, id",
		ip)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "select complaints")
	}
	defer rows.Close()

	var out []Complaint
	for rows.Next() {
		var c Complaint
		var sev int
		var ctxJSON sql.NullString
		var created, expires int64
		if err := rows.Scan(&c.ID, &c.IP, &sev, &c.Message, &ctxJSON, &created, &expires); err != nil {
			return nil, errors.Wrap(err, errors.KindIO, "scan complaint")
		}
		c.Severity = severity.Level(sev)
		c.Created = time.Unix(created, 0)
		if expires > 0 {
			c.Expires = time.Unix(expires, 0)
		}
		if ctxJSON.Valid && ctxJSON.String != "" {
			_ = json.Unmarshal([]byte(ctxJSON.String), &c.Context)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BanSince returns addresses with an active ban-level complaint created at
// or after since, plus blacklist entries added since then. A zero since
// means all time.
func (s *Store) BanSince(ctx context.Context, since time.Time) (map[string]struct{}, error) {
	now := s.clock.Now().Unix()
	out := make(map[string]struct{})
	err := s.collect(ctx, out, `
		SELECT DISTINCT ip FROM complaints
		WHERE severity >= ? AND created >= ? AND (expires = 0 OR expires > ?)`,
		int(s.opts.BanSeverity), unixOrZero(since), now)
	if err != nil {
		return nil, err
	}
	if err := s.collect(ctx, out, "SELECT ip FROM ips WHERE status = ? AND utc >= ?", int(StatusBlacklist), unixOrZero(since)); err != nil {
		return nil, err
	}
	return out, nil
}

// AllowSince returns addresses whose ban expired after since and that have
// no other active ban, plus whitelist entries added since then.
func (s *Store) AllowSince(ctx context.Context, since time.Time) (map[string]struct{}, error) {
	now := s.clock.Now().Unix()
	out := make(map[string]struct{})
	err := s.collect(ctx, out, `
		SELECT DISTINCT c.ip FROM complaints c
		WHERE c.severity >= ? AND c.expires > 0 AND c.expires > ? AND c.expires <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM complaints a
			WHERE a.ip = c.ip AND a.severity >= ? AND (a.expires = 0 OR a.expires > ?)
		  )
		  AND NOT EXISTS (SELECT 1 FROM ips b WHERE b.ip = c.ip AND b.status = ?)`,
		int(s.opts.BanSeverity), unixOrZero(since), now, int(s.opts.BanSeverity), now, int(StatusBlacklist))
	if err != nil {
		return nil, err
	}
	if err := s.collect(ctx, out, "SELECT ip FROM ips WHERE status = ? AND utc >= ?", int(StatusWhitelist), unixOrZero(since)); err != nil {
		return nil, err
	}
	return out, nil
}

// AddIP puts ip on the black or white list, removing it from the other.
func (s *Store) AddIP(ctx context.Context, ip string, status Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "begin list update")
	}
	defer tx.Rollback()

	other := StatusWhitelist
	if status == StatusWhitelist {
		other = StatusBlacklist
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ips WHERE ip = ? AND status = ?", ip, int(other)); err != nil {
		return errors.Wrap(err, errors.KindIO, "update list")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ips (ip, status, utc) VALUES (?, ?, ?)
		ON CONFLICT(ip, status) DO UPDATE SET utc = excluded.utc`,
		ip, int(status), s.clock.Now().Unix()); err != nil {
		return errors.Wrap(err, errors.KindIO, "update list")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindIO, "commit list update")
	}
	s.logger.Info("Added address to list", "ip", ip, "list", status.String())
	return nil
}

// Blacklist returns blacklist entries added at or after since.
func (s *Store) Blacklist(ctx context.Context, since time.Time) (map[string]struct{}, error) {
	return s.list(ctx, StatusBlacklist, since)
}

// Whitelist returns whitelist entries added at or after since.
func (s *Store) Whitelist(ctx context.Context, since time.Time) (map[string]struct{}, error) {
	return s.list(ctx, StatusWhitelist, since)
}

func (s *Store) list(ctx context.Context, status Status, since time.Time) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if err := s.collect(ctx, out, "SELECT ip FROM ips WHERE status = ? AND utc >= ?", int(status), unixOrZero(since)); err != nil {
		return nil, err
	}
	return out, nil
}

// Cull deletes events at or before the given time and returns how many.
func (s *Store) Cull(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE utc <= ?", before.Unix())
	if err != nil {
		return 0, errors.Wrap(err, errors.KindIO, "cull events")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Culled events", "count", n, "before", before.UTC().Format(time.DateTime))
	}
	return n, nil
}

// Stats counts the stored rows.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		dst   *int
		query string
	}{
		{&st.Events, "SELECT COUNT(*) FROM events"},
		{&st.Tags, "SELECT COUNT(*) FROM tags"},
		{&st.Complaints, "SELECT COUNT(*) FROM complaints"},
		{&st.Blacklist, "SELECT COUNT(*) FROM ips WHERE status = 0"},
		{&st.Whitelist, "SELECT COUNT(*) FROM ips WHERE status = 1"},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return st, errors.Wrap(err, errors.KindIO, "stats")
		}
	}
	return st, nil
}

func (s *Store) collect(ctx context.Context, out map[string]struct{}, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "query addresses")
	}
	defer rows.Close()
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return errors.Wrap(err, errors.KindIO, "scan address")
		}
		out[ip] = struct{}{}
	}
	return rows.Err()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
