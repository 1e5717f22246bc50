package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trading_gate/exchange"
	"trading_gate/policy"
	"trading_gate/rules"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrGraduatedRule is returned for an in-process write to a graduated rule.
	ErrGraduatedRule = errors.New("graduated rules can only be retired through human approval")
)

// Store persists the gate ledger, the proposal queue and the approved
// rule/parameter overlay in one SQLite file.
type Store struct {
	db *sql.DB
}

// Ensure Store can feed the policy loader
var _ policy.OverrideSource = (*Store)(nil)

// OpenStore opens (creating if needed) the database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = FULL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			order_type TEXT NOT NULL,
			requested_price REAL NOT NULL DEFAULT 0,
			stop_price REAL NOT NULL DEFAULT 0,
			planned_entry REAL NOT NULL DEFAULT 0,
			placed_at TEXT NOT NULL,
			status TEXT NOT NULL,
			thesis_ref TEXT NOT NULL,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			is_entry INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			order_id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			entry_price REAL NOT NULL,
			entry_time TEXT NOT NULL,
			stop_price REAL NOT NULL DEFAULT 0,
			thesis_ref TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			price REAL NOT NULL,
			fee REAL NOT NULL,
			filled_at TEXT NOT NULL,
			strategy TEXT NOT NULL,
			thesis_ref TEXT NOT NULL,
			is_entry INTEGER NOT NULL,
			realized_pnl REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS fills_filled_at ON fills(filled_at)`,
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			key TEXT PRIMARY KEY,
			value REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			kind TEXT NOT NULL,
			rule_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			parameter TEXT NOT NULL DEFAULT '',
			old_value REAL,
			new_value REAL,
			target_status TEXT NOT NULL DEFAULT '',
			evidence TEXT NOT NULL DEFAULT '',
			claimed_tightening INTEGER NOT NULL DEFAULT 0,
			is_tightening INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			auto_approved INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			decided_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS rule_overrides (
			rule_id TEXT PRIMARY KEY,
			rule_json TEXT NOT NULL,
			proposal_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS parameter_overrides (
			strategy TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			proposal_id TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (strategy, name)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- orders ---

// UpsertOrder writes the order row.
func (s *Store) UpsertOrder(ctx context.Context, o exchange.Order) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO orders
		(id, strategy, symbol, side, size, order_type, requested_price, stop_price, planned_entry, placed_at, status, thesis_ref, exchange_order_id, is_entry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Strategy, o.Symbol, string(o.Side), o.Size, string(o.OrderType), o.RequestedPrice, o.StopPrice,
		o.PlannedEntry, formatTime(o.PlacedAt), string(o.Status), o.ThesisRef, o.ExchangeOrderID, boolInt(o.IsEntry))
	if err != nil {
		return fmt.Errorf("write order %s: %w", o.ID, err)
	}
	return nil
}

// LoadOrders returns every order in placement order.
func (s *Store) LoadOrders(ctx context.Context) ([]exchange.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, strategy, symbol, side, size, order_type, requested_price, stop_price,
		planned_entry, placed_at, status, thesis_ref, exchange_order_id, is_entry FROM orders ORDER BY placed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []exchange.Order
	for rows.Next() {
		var o exchange.Order
		var side, typ, placed, status string
		var isEntry int
		if err := rows.Scan(&o.ID, &o.Strategy, &o.Symbol, &side, &o.Size, &typ, &o.RequestedPrice, &o.StopPrice,
			&o.PlannedEntry, &placed, &status, &o.ThesisRef, &o.ExchangeOrderID, &isEntry); err != nil {
			return nil, fmt.Errorf("read order row: %w", err)
		}
		o.Side = exchange.Side(side)
		o.OrderType = exchange.OrderType(typ)
		o.PlacedAt = parseTime(placed)
		o.Status = exchange.OrderStatus(status)
		o.IsEntry = isEntry == 1
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- positions ---

func (s *Store) UpsertPosition(ctx context.Context, l Lot) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO positions
		(order_id, strategy, symbol, side, size, entry_price, entry_time, stop_price, thesis_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.OrderID, l.Strategy, l.Symbol, string(l.Side), l.Size, l.EntryPrice, formatTime(l.EntryTime), l.StopPrice, l.ThesisRef)
	if err != nil {
		return fmt.Errorf("write position %s: %w", l.OrderID, err)
	}
	return nil
}

func (s *Store) DeletePosition(ctx context.Context, orderID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE order_id = ?`, orderID); err != nil {
		return fmt.Errorf("remove position %s: %w", orderID, err)
	}
	return nil
}

func (s *Store) LoadPositions(ctx context.Context) ([]Lot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT order_id, strategy, symbol, side, size, entry_price, entry_time, stop_price, thesis_ref
		FROM positions ORDER BY entry_time, order_id`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Lot
	for rows.Next() {
		var l Lot
		var side, entry string
		if err := rows.Scan(&l.OrderID, &l.Strategy, &l.Symbol, &side, &l.Size, &l.EntryPrice, &entry, &l.StopPrice, &l.ThesisRef); err != nil {
			return nil, fmt.Errorf("read position row: %w", err)
		}
		l.Side = exchange.Side(side)
		l.EntryTime = parseTime(entry)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- fills ---

func (s *Store) InsertFill(ctx context.Context, f exchange.Fill) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fills
		(order_id, symbol, side, size, price, fee, filled_at, strategy, thesis_ref, is_entry, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.Symbol, string(f.Side), f.Size, f.Price, f.Fee, formatTime(f.FilledAt), f.Strategy, f.ThesisRef,
		boolInt(f.IsEntry), f.RealizedPnL)
	if err != nil {
		return fmt.Errorf("insert fill for %s: %w", f.OrderID, err)
	}
	return nil
}

// FillsSince returns fills at or after since, oldest first.
func (s *Store) FillsSince(ctx context.Context, since time.Time) ([]exchange.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT order_id, symbol, side, size, price, fee, filled_at, strategy, thesis_ref, is_entry, realized_pnl
		FROM fills WHERE filled_at >= ? ORDER BY filled_at, id`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []exchange.Fill
	for rows.Next() {
		var f exchange.Fill
		var side, filled string
		var isEntry int
		if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &f.Size, &f.Price, &f.Fee, &filled, &f.Strategy, &f.ThesisRef, &isEntry, &f.RealizedPnL); err != nil {
			return nil, fmt.Errorf("read fill row: %w", err)
		}
		f.Side = exchange.Side(side)
		f.FilledAt = parseTime(filled)
		f.IsEntry = isEntry == 1
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- ledger meta ---

func (s *Store) SetMeta(ctx context.Context, values map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO ledger_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write ledger meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Meta(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM ledger_meta`)
	if err != nil {
		return nil, fmt.Errorf("query ledger meta: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- proposals ---

// ProposalRecord is a persisted proposal and its outcome.
type ProposalRecord struct {
	ID                string
	CreatedAt         time.Time
	Kind              string
	RuleID            string
	Strategy          string
	Parameter         string
	OldValue          *float64
	NewValue          *float64
	TargetStatus      string
	Evidence          string
	ClaimedTightening bool
	IsTightening      bool
	Status            string
	AutoApproved      bool
	Reason            string
	DecidedAt         time.Time
}

func (s *Store) SaveProposal(ctx context.Context, p ProposalRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO proposals
		(id, created_at, kind, rule_id, strategy, parameter, old_value, new_value, target_status, evidence,
		 claimed_tightening, is_tightening, status, auto_approved, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, formatTime(p.CreatedAt), p.Kind, p.RuleID, p.Strategy, p.Parameter, p.OldValue, p.NewValue,
		p.TargetStatus, p.Evidence, boolInt(p.ClaimedTightening), boolInt(p.IsTightening), p.Status,
		boolInt(p.AutoApproved), p.Reason, formatTime(p.DecidedAt))
	if err != nil {
		return fmt.Errorf("write proposal %s: %w", p.ID, err)
	}
	return nil
}

const proposalColumns = `id, created_at, kind, rule_id, strategy, parameter, old_value, new_value, target_status, evidence,
	claimed_tightening, is_tightening, status, auto_approved, reason, decided_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(r rowScanner) (ProposalRecord, error) {
	var p ProposalRecord
	var created, decided string
	var oldV, newV sql.NullFloat64
	var claimed, tight, auto int
	if err := r.Scan(&p.ID, &created, &p.Kind, &p.RuleID, &p.Strategy, &p.Parameter, &oldV, &newV, &p.TargetStatus,
		&p.Evidence, &claimed, &tight, &p.Status, &auto, &p.Reason, &decided); err != nil {
		return ProposalRecord{}, err
	}
	p.CreatedAt = parseTime(created)
	p.DecidedAt = parseTime(decided)
	if oldV.Valid {
		v := oldV.Float64
		p.OldValue = &v
	}
	if newV.Valid {
		v := newV.Float64
		p.NewValue = &v
	}
	p.ClaimedTightening = claimed == 1
	p.IsTightening = tight == 1
	p.AutoApproved = auto == 1
	return p, nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (ProposalRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProposalRecord{}, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListProposals returns proposals oldest first, optionally filtered by status.
func (s *Store) ListProposals(ctx context.Context, status string) ([]ProposalRecord, error) {
	q := `SELECT ` + proposalColumns + ` FROM proposals`
	var args []interface{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ProposalRecord
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("read proposal row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DecideProposal moves a pending proposal to status. Only pending
// proposals can be decided.
func (s *Store) DecideProposal(ctx context.Context, id, status, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET status = ?, reason = ?, decided_at = ? WHERE id = ? AND status = 'pending'`,
		status, reason, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pending proposal %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- overlay ---

// PutRuleOverride records an approved rule state. An override that would
// replace a graduated rule with anything but its retirement is refused;
// humanApproved must be set for that retirement.
func (s *Store) PutRuleOverride(ctx context.Context, rule rules.Rule, proposalID string, humanApproved bool, at time.Time) error {
	existing, err := s.ruleOverride(ctx, rule.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && existing.Status == rules.StatusGraduated {
		if rule.Status != rules.StatusRetired || !humanApproved {
			return fmt.Errorf("rule %s: %w", rule.ID, ErrGraduatedRule)
		}
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", rule.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO rule_overrides (rule_id, rule_json, proposal_id, updated_at) VALUES (?, ?, ?, ?)`,
		rule.ID, string(data), proposalID, formatTime(at))
	if err != nil {
		return fmt.Errorf("write rule override %s: %w", rule.ID, err)
	}
	return nil
}

func (s *Store) ruleOverride(ctx context.Context, id string) (rules.Rule, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT rule_json FROM rule_overrides WHERE rule_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Rule{}, ErrNotFound
	}
	if err != nil {
		return rules.Rule{}, err
	}
	var r rules.Rule
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return rules.Rule{}, fmt.Errorf("decode rule override %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) PutParameterOverride(ctx context.Context, strategy, name string, value float64, proposalID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO parameter_overrides (strategy, name, value, proposal_id, updated_at) VALUES (?, ?, ?, ?, ?)`,
		strategy, name, value, proposalID, formatTime(at))
	if err != nil {
		return fmt.Errorf("write parameter override %s.%s: %w", strategy, name, err)
	}
	return nil
}

// LoadOverlay implements policy.OverrideSource.
func (s *Store) LoadOverlay(ctx context.Context) (policy.Overlay, error) {
	var overlay policy.Overlay

	rows, err := s.db.QueryContext(ctx, `SELECT rule_json FROM rule_overrides ORDER BY rule_id`)
	if err != nil {
		return overlay, fmt.Errorf("query rule overrides: %w", err)
	}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return overlay, err
		}
		var r rules.Rule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			_ = rows.Close()
			return overlay, fmt.Errorf("decode rule override: %w", err)
		}
		overlay.Rules = append(overlay.Rules, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return overlay, err
	}
	_ = rows.Close()

	prow, err := s.db.QueryContext(ctx, `SELECT strategy, name, value FROM parameter_overrides ORDER BY strategy, name`)
	if err != nil {
		return overlay, fmt.Errorf("query parameter overrides: %w", err)
	}
	defer func() { _ = prow.Close() }()
	for prow.Next() {
		var p policy.ParameterOverride
		if err := prow.Scan(&p.Strategy, &p.Name, &p.Value); err != nil {
			return overlay, err
		}
		overlay.Parameters = append(overlay.Parameters, p)
	}
	return overlay, prow.Err()
}
