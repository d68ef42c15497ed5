package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/logistics-twin/internal/world"
)

var _ Store = (*SQLite)(nil)

// SQLite persists the world in a SQLite database. Each mutation runs in
// its own transaction; WAL mode lets readers proceed alongside the writer.
type SQLite struct {
	conn *sqlx.DB
}

// OpenSQLite opens or creates a database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := runMigrations(ctx, conn.DB); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ── Rows ─────────────────────────────────────────────────────────────

type zoneRow struct {
	ID   string          `db:"id"`
	Ord  int             `db:"ord"`
	Name string          `db:"name"`
	Kind string          `db:"kind"`
	X    sql.NullFloat64 `db:"x"`
	Y    sql.NullFloat64 `db:"y"`
}

type edgeRow struct {
	From     string  `db:"from_zone"`
	To       string  `db:"to_zone"`
	Distance float64 `db:"distance"`
	Route    string  `db:"route"`
}

type locCols struct {
	LocKind     int    `db:"loc_kind"`
	LocZone     string `db:"loc_zone"`
	LocFrom     string `db:"loc_from"`
	LocStarted  int64  `db:"loc_started"`
	LocDuration int64  `db:"loc_duration"`
}

func newLocCols(l world.UnitLocation) locCols {
	return locCols{
		LocKind:     int(l.Kind),
		LocZone:     string(l.Zone),
		LocFrom:     string(l.From),
		LocStarted:  toNanos(l.Started),
		LocDuration: int64(l.Duration),
	}
}

func (c locCols) location() world.UnitLocation {
	return world.UnitLocation{
		Kind:     world.UnitLocationKind(c.LocKind),
		Zone:     world.ZoneID(c.LocZone),
		From:     world.ZoneID(c.LocFrom),
		Started:  fromNanos(c.LocStarted),
		Duration: time.Duration(c.LocDuration),
	}
}

type transportRow struct {
	ID      string  `db:"id"`
	Name    string  `db:"name"`
	Status  string  `db:"status"`
	Battery float64 `db:"battery"`
	locCols
}

func (r transportRow) transport() world.Transport {
	return world.Transport{
		ID:       world.UnitID(r.ID),
		Name:     r.Name,
		Status:   world.UnitStatus(r.Status),
		Battery:  r.Battery,
		Location: r.location(),
	}
}

type truckRow struct {
	ID     string `db:"id"`
	Name   string `db:"name"`
	Status string `db:"status"`
	locCols
}

func (r truckRow) truck() world.Truck {
	tr := world.Truck{
		ID:     world.TruckID(r.ID),
		Name:   r.Name,
		Status: world.TruckStatus(r.Status),
	}
	if r.LocKind != 0 {
		loc := r.location()
		tr.Location = &loc
	}
	return tr
}

type itemRow struct {
	Seq     int64  `db:"seq"`
	ID      string `db:"id"`
	Status  string `db:"status"`
	Created int64  `db:"created"`
	LocKind int    `db:"loc_kind"`
	LocZone string `db:"loc_zone"`
	LocUnit string `db:"loc_unit"`
}

func (r itemRow) item() world.Item {
	return world.Item{
		ID:      world.ItemID(r.ID),
		Status:  world.ItemStatus(r.Status),
		Created: fromNanos(r.Created),
		Seq:     r.Seq,
		Location: world.ItemLocation{
			Kind: world.ItemLocationKind(r.LocKind),
			Zone: world.ZoneID(r.LocZone),
			Unit: world.UnitID(r.LocUnit),
		},
	}
}

type eventRow struct {
	ID          string `db:"id"`
	Type        string `db:"type"`
	Description string `db:"description"`
	Created     int64  `db:"created"`
	Embedding   []byte `db:"embedding"`
}

type eventZoneRow struct {
	EventID string `db:"event_id"`
	ZoneID  string `db:"zone_id"`
	Ord     int    `db:"ord"`
}

func encodeVector(v []float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeVector rejects blobs that are not a whole number of float32s.
func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not a float32 vector", len(b))
	}
	v := make([]float32, len(b)/4)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return v, nil
}

func optional(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// ── Writer ───────────────────────────────────────────────────────────

func (s *SQLite) Seed(ctx context.Context, layout world.Layout) error {
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM facility"); err != nil {
			return err
		}
		if n > 0 {
			slog.Debug("store already seeded, keeping persisted world")
			return nil
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO facility (id, name) VALUES (?, ?)", layout.CenterID, layout.Name); err != nil {
			return fmt.Errorf("insert facility: %w", err)
		}
		for i, z := range layout.Zones {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO zones (id, ord, name, kind, x, y) VALUES (?, ?, ?, ?, ?, ?)",
				string(z.ID), i, z.Name, z.Kind, optional(z.X), optional(z.Y),
			); err != nil {
				return fmt.Errorf("insert zone %s: %w", z.ID, err)
			}
		}
		for _, z := range layout.Zones {
			for _, e := range z.Edges {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO edges (from_zone, to_zone, distance, route) VALUES (?, ?, ?, ?)",
					string(z.ID), string(e.To), e.Distance, e.Route,
				); err != nil {
					return fmt.Errorf("insert edge %s→%s: %w", z.ID, e.To, err)
				}
			}
		}
		for _, t := range layout.Transports {
			loc := newLocCols(world.AtZone(t.Zone))
			if _, err := tx.ExecContext(ctx, `INSERT INTO transports
				(id, name, status, battery, loc_kind, loc_zone, loc_from, loc_started, loc_duration)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				string(t.ID), t.Name, string(world.UnitIdle), t.Battery,
				loc.LocKind, loc.LocZone, loc.LocFrom, loc.LocStarted, loc.LocDuration,
			); err != nil {
				return fmt.Errorf("insert transport %s: %w", t.ID, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO trucks (id, name, status) VALUES (?, ?, ?)",
			string(layout.Truck.ID), layout.Truck.Name, string(world.TruckWaiting),
		); err != nil {
			return fmt.Errorf("insert truck %s: %w", layout.Truck.ID, err)
		}
		return nil
	})
}

// requireZone distinguishes an unseeded store from an unknown zone.
func requireZone(ctx context.Context, tx *sqlx.Tx, id world.ZoneID) error {
	var n int
	if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM zones WHERE id = ?", string(id)); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM facility"); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotSeeded
	}
	return fmt.Errorf("zone %s: %w", id, ErrNotFound)
}

func (s *SQLite) CreateItem(ctx context.Context, item world.Item) error {
	if item.Location.Kind != world.LocStoredIn {
		return fmt.Errorf("item %s: must be stored in a known zone, got %s", item.ID, item.Location)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := requireZone(ctx, tx, item.Location.Zone); err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
		var n int
		if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM items WHERE id = ?", string(item.ID)); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("item %s: %w", item.ID, ErrExists)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO items (id, status, created, loc_kind, loc_zone) VALUES (?, ?, ?, ?, ?)",
			string(item.ID), string(item.Status), toNanos(item.Created), int(world.LocStoredIn), string(item.Location.Zone),
		)
		return err
	})
}

func (s *SQLite) CreateEvent(ctx context.Context, ev world.Event) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM facility"); err != nil {
			return err
		}
		if n == 0 {
			return ErrNotSeeded
		}
		if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM events WHERE id = ?", string(ev.ID)); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("event %s: %w", ev.ID, ErrExists)
		}
		for _, z := range ev.Affects {
			if err := requireZone(ctx, tx, z); err != nil {
				return fmt.Errorf("event %s affects %s: %w", ev.ID, z, err)
			}
		}

		blob, err := encodeVector(ev.Embedding)
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO events (id, type, description, created, embedding) VALUES (?, ?, ?, ?, ?)",
			string(ev.ID), string(ev.Type), ev.Description, toNanos(ev.Created), blob,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		for i, z := range ev.Affects {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO event_zones (event_id, zone_id, ord) VALUES (?, ?, ?)",
				string(ev.ID), string(z), i,
			); err != nil {
				return fmt.Errorf("link event %s → %s: %w", ev.ID, z, err)
			}
		}
		return nil
	})
}

func (s *SQLite) DeleteEventsOfType(ctx context.Context, t world.EventType) (int, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM event_zones WHERE event_id IN (SELECT id FROM events WHERE type = ?)", string(t),
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM events WHERE type = ?", string(t))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return int(deleted), err
}

func getTransport(ctx context.Context, tx *sqlx.Tx, id world.UnitID) (world.Transport, error) {
	var row transportRow
	err := tx.GetContext(ctx, &row, "SELECT * FROM transports WHERE id = ?", string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return world.Transport{}, fmt.Errorf("transport %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return world.Transport{}, err
	}
	return row.transport(), nil
}

func putTransport(ctx context.Context, tx *sqlx.Tx, t world.Transport) error {
	loc := newLocCols(t.Location)
	_, err := tx.ExecContext(ctx, `UPDATE transports SET status = ?, battery = ?,
		loc_kind = ?, loc_zone = ?, loc_from = ?, loc_started = ?, loc_duration = ?
		WHERE id = ?`,
		string(t.Status), t.Battery, loc.LocKind, loc.LocZone, loc.LocFrom, loc.LocStarted, loc.LocDuration, string(t.ID),
	)
	return err
}

func (s *SQLite) CompleteTransit(ctx context.Context, id world.UnitID, now time.Time) (Arrival, bool, error) {
	var arr Arrival
	var done bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		u, err := getTransport(ctx, tx, id)
		if err != nil {
			return err
		}
		if !u.Location.Arrived(now) {
			return nil
		}

		dest := u.Location.Zone
		arr = Arrival{Unit: id, Zone: dest}
		var carried []string
		if err := tx.SelectContext(ctx, &carried,
			"SELECT id FROM items WHERE loc_kind = ? AND loc_unit = ?", int(world.LocLoadedOn), string(id),
		); err != nil {
			return err
		}
		if len(carried) > 0 {
			arr.Item = world.ItemID(carried[len(carried)-1])
			if _, err := tx.ExecContext(ctx,
				"UPDATE items SET status = ?, loc_kind = ?, loc_zone = ?, loc_unit = '' WHERE loc_kind = ? AND loc_unit = ?",
				string(world.ItemArrived), int(world.LocStoredIn), string(dest), int(world.LocLoadedOn), string(id),
			); err != nil {
				return err
			}
		}

		u.Location = world.AtZone(dest)
		u.Status = world.UnitIdle
		if err := putTransport(ctx, tx, u); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil || !done {
		return Arrival{}, false, err
	}
	return arr, true, nil
}

func (s *SQLite) AssignTransport(ctx context.Context, req AssignRequest) (Assignment, bool, error) {
	var asg Assignment
	var done bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		u, err := getTransport(ctx, tx, req.Unit)
		if err != nil {
			return err
		}
		if u.Location.Kind != world.LocAtZone {
			return nil
		}

		var itemID string
		err = tx.GetContext(ctx, &itemID,
			"SELECT id FROM items WHERE loc_kind = ? AND loc_zone = ? ORDER BY created, seq LIMIT 1",
			int(world.LocStoredIn), string(req.From),
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		u.Location = world.Transiting(req.From, req.To, req.Now, req.Duration)
		u.Status = world.UnitMoving
		if err := putTransport(ctx, tx, u); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE items SET status = ?, loc_kind = ?, loc_zone = '', loc_unit = ? WHERE id = ?",
			string(world.ItemTransit), int(world.LocLoadedOn), string(u.ID), itemID,
		); err != nil {
			return err
		}
		asg = Assignment{Unit: u.ID, Item: world.ItemID(itemID), From: req.From, To: req.To}
		done = true
		return nil
	})
	if err != nil || !done {
		return Assignment{}, false, err
	}
	return asg, true, nil
}

func (s *SQLite) DrainBatteries(ctx context.Context, d BatteryDrain) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []transportRow
		if err := tx.SelectContext(ctx, &rows, "SELECT * FROM transports"); err != nil {
			return err
		}
		for _, r := range rows {
			t := r.transport()
			d.apply(&t)
			if _, err := tx.ExecContext(ctx,
				"UPDATE transports SET status = ?, battery = ? WHERE id = ?", string(t.Status), t.Battery, string(t.ID),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func getTruck(ctx context.Context, tx *sqlx.Tx, id world.TruckID) (world.Truck, error) {
	var row truckRow
	err := tx.GetContext(ctx, &row, "SELECT * FROM trucks WHERE id = ?", string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return world.Truck{}, fmt.Errorf("truck %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return world.Truck{}, err
	}
	return row.truck(), nil
}

func putTruck(ctx context.Context, tx *sqlx.Tx, tr world.Truck) error {
	var loc locCols
	if tr.Location != nil {
		loc = newLocCols(*tr.Location)
	}
	_, err := tx.ExecContext(ctx, `UPDATE trucks SET status = ?,
		loc_kind = ?, loc_zone = ?, loc_from = ?, loc_started = ?, loc_duration = ?
		WHERE id = ?`,
		string(tr.Status), loc.LocKind, loc.LocZone, loc.LocFrom, loc.LocStarted, loc.LocDuration, string(tr.ID),
	)
	return err
}

func (s *SQLite) DispatchTruck(ctx context.Context, id world.TruckID, zone world.ZoneID, now time.Time, d time.Duration) (bool, error) {
	var done bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		tr, err := getTruck(ctx, tx, id)
		if err != nil {
			return err
		}
		if tr.Status != world.TruckWaiting {
			return nil
		}
		loc := world.Transiting("", zone, now, d)
		tr.Location = &loc
		tr.Status = world.TruckInbound
		if err := putTruck(ctx, tx, tr); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done && err == nil, err
}

func (s *SQLite) DockTruck(ctx context.Context, id world.TruckID, now time.Time, batch int) (int, bool, error) {
	var loaded int
	var done bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		tr, err := getTruck(ctx, tx, id)
		if err != nil {
			return err
		}
		if tr.Status != world.TruckInbound || tr.Location == nil || !tr.Location.Arrived(now) {
			return nil
		}

		dest := tr.Location.Zone
		var ids []string
		if err := tx.SelectContext(ctx, &ids,
			"SELECT id FROM items WHERE loc_kind = ? AND loc_zone = ? ORDER BY created, seq LIMIT ?",
			int(world.LocStoredIn), string(dest), batch,
		); err != nil {
			return err
		}
		for _, itemID := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM items WHERE id = ?", itemID); err != nil {
				return err
			}
		}

		loc := world.AtZone(dest)
		tr.Location = &loc
		tr.Status = world.TruckIdle
		if err := putTruck(ctx, tx, tr); err != nil {
			return err
		}
		loaded = len(ids)
		done = true
		return nil
	})
	if err != nil || !done {
		return 0, false, err
	}
	return loaded, true, nil
}

func (s *SQLite) DepartTruck(ctx context.Context, id world.TruckID) (bool, error) {
	var done bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		tr, err := getTruck(ctx, tx, id)
		if err != nil {
			return err
		}
		if tr.Status != world.TruckIdle {
			return nil
		}
		tr.Location = nil
		tr.Status = world.TruckWaiting
		if err := putTruck(ctx, tx, tr); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done && err == nil, err
}

// ── Reader ───────────────────────────────────────────────────────────

// read loads the whole world inside one transaction so readers see a
// single committed state.
func (s *SQLite) read(ctx context.Context) (*state, error) {
	st := &state{}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var fac []struct {
			ID   string `db:"id"`
			Name string `db:"name"`
		}
		if err := tx.SelectContext(ctx, &fac, "SELECT id, name FROM facility LIMIT 1"); err != nil {
			return fmt.Errorf("load facility: %w", err)
		}
		if len(fac) > 0 {
			st.centerID, st.centerName = fac[0].ID, fac[0].Name
		}

		var zones []zoneRow
		if err := tx.SelectContext(ctx, &zones, "SELECT * FROM zones ORDER BY ord"); err != nil {
			return fmt.Errorf("load zones: %w", err)
		}
		var edges []edgeRow
		if err := tx.SelectContext(ctx, &edges, "SELECT * FROM edges ORDER BY from_zone, to_zone"); err != nil {
			return fmt.Errorf("load edges: %w", err)
		}
		byZone := make(map[string][]world.Edge)
		for _, e := range edges {
			byZone[e.From] = append(byZone[e.From], world.Edge{To: world.ZoneID(e.To), Distance: e.Distance, Route: e.Route})
		}
		for _, z := range zones {
			zone := world.Zone{ID: world.ZoneID(z.ID), Name: z.Name, Kind: z.Kind, Edges: byZone[z.ID]}
			if z.X.Valid {
				x := z.X.Float64
				zone.X = &x
			}
			if z.Y.Valid {
				y := z.Y.Float64
				zone.Y = &y
			}
			st.zones = append(st.zones, zone)
		}

		var transports []transportRow
		if err := tx.SelectContext(ctx, &transports, "SELECT * FROM transports"); err != nil {
			return fmt.Errorf("load transports: %w", err)
		}
		for _, r := range transports {
			st.transports = append(st.transports, r.transport())
		}

		var items []itemRow
		if err := tx.SelectContext(ctx, &items, "SELECT * FROM items"); err != nil {
			return fmt.Errorf("load items: %w", err)
		}
		for _, r := range items {
			st.items = append(st.items, r.item())
		}

		var trucks []truckRow
		if err := tx.SelectContext(ctx, &trucks, "SELECT * FROM trucks"); err != nil {
			return fmt.Errorf("load trucks: %w", err)
		}
		for _, r := range trucks {
			st.trucks = append(st.trucks, r.truck())
		}

		var events []eventRow
		if err := tx.SelectContext(ctx, &events, "SELECT * FROM events"); err != nil {
			return fmt.Errorf("load events: %w", err)
		}
		var links []eventZoneRow
		if err := tx.SelectContext(ctx, &links, "SELECT * FROM event_zones ORDER BY event_id, ord"); err != nil {
			return fmt.Errorf("load event zones: %w", err)
		}
		affects := make(map[string][]world.ZoneID)
		for _, l := range links {
			affects[l.EventID] = append(affects[l.EventID], world.ZoneID(l.ZoneID))
		}
		for _, r := range events {
			vec, err := decodeVector(r.Embedding)
			if err != nil {
				return fmt.Errorf("event %s: %w", r.ID, err)
			}
			st.events = append(st.events, world.Event{
				ID:          world.EventID(r.ID),
				Type:        world.EventType(r.Type),
				Description: r.Description,
				Created:     fromNanos(r.Created),
				Embedding:   vec,
				Affects:     affects[r.ID],
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.sort()
	return st, nil
}

func (s *SQLite) Zones(ctx context.Context) ([]world.Zone, error) {
	st, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return st.zones, nil
}

func (s *SQLite) Transports(ctx context.Context) ([]world.Transport, error) {
	var rows []transportRow
	if err := s.conn.SelectContext(ctx, &rows, "SELECT * FROM transports ORDER BY id"); err != nil {
		return nil, fmt.Errorf("load transports: %w", err)
	}
	out := make([]world.Transport, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.transport())
	}
	return out, nil
}

func (s *SQLite) Items(ctx context.Context) ([]world.Item, error) {
	var rows []itemRow
	if err := s.conn.SelectContext(ctx, &rows, "SELECT * FROM items ORDER BY created, seq"); err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	out := make([]world.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

func (s *SQLite) Truck(ctx context.Context, id world.TruckID) (world.Truck, error) {
	var row truckRow
	err := s.conn.GetContext(ctx, &row, "SELECT * FROM trucks WHERE id = ?", string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return world.Truck{}, fmt.Errorf("truck %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return world.Truck{}, err
	}
	return row.truck(), nil
}

func (s *SQLite) Events(ctx context.Context) ([]world.Event, error) {
	st, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return st.events, nil
}

func (s *SQLite) CountStoredIn(ctx context.Context, zone world.ZoneID) (int, error) {
	var n int
	err := s.conn.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM items WHERE loc_kind = ? AND loc_zone = ?", int(world.LocStoredIn), string(zone),
	)
	return n, err
}

func (s *SQLite) Snapshot(ctx context.Context) (Snapshot, error) {
	st, err := s.read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return st.snapshot(), nil
}

func (s *SQLite) Context(ctx context.Context, batteryThreshold float64) (Context, error) {
	st, err := s.read(ctx)
	if err != nil {
		return Context{}, err
	}
	return st.context(batteryThreshold), nil
}

func (s *SQLite) SearchEvents(ctx context.Context, query []float32, k int) ([]EventMatch, error) {
	st, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return st.search(query, k), nil
}
