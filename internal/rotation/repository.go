package rotation

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/database"
	"github.com/qtrader/qtrader/internal/domain"
)

// ErrNotFound is returned when an instruction id does not exist.
var ErrNotFound = errors.New("rotation: instruction not found")

const instructionColumns = `id, account_id, strategy_id, symbol, direction, offset, volume,
	filled_volume, price, order_time, trading_date, enabled, status,
	attempt_count, remaining_attempts, remaining_volume, current_cmd_id,
	last_attempt_time, error_message, source, is_deleted`

// Repository handles rotation_instructions and switchPos_import rows. The
// trader owning the account is the single writer; the manager only reads via
// RPC.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a rotation repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "rotation").Logger()}
}

// Import inserts parsed instructions for one trading date. ModeReplace
// soft-deletes every prior non-deleted row of the date inside the same
// transaction, so replace-then-replace with the same file is idempotent on
// the non-deleted set. The import itself is recorded in switchPos_import.
func (r *Repository) Import(instructions []*domain.RotationInstruction, filename, tradingDate, mode string, rowsTotal int) error {
	if mode != ModeAppend && mode != ModeReplace {
		return fmt.Errorf("rotation: invalid import mode %q", mode)
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if mode == ModeReplace {
			if _, err := tx.Exec(`
				UPDATE rotation_instructions SET is_deleted = 1
				WHERE trading_date = ? AND is_deleted = 0`, tradingDate); err != nil {
				return fmt.Errorf("soft-delete prior rows: %w", err)
			}
		}

		stmt, err := tx.Prepare(`
			INSERT INTO rotation_instructions
				(account_id, strategy_id, symbol, direction, offset, volume,
				 filled_volume, price, order_time, trading_date, enabled, status,
				 attempt_count, remaining_attempts, remaining_volume, current_cmd_id,
				 error_message, source, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, 0, ?, ?, '', '', ?, 0)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, inst := range instructions {
			if _, err := stmt.Exec(
				inst.AccountID, inst.StrategyID, inst.Symbol,
				string(inst.Direction), string(inst.Offset), inst.Volume,
				inst.Price, inst.OrderTime, tradingDate,
				boolToInt(inst.Enabled), string(inst.Status),
				inst.RemainingAttempts, inst.Volume, inst.Source,
			); err != nil {
				return fmt.Errorf("insert instruction %s: %w", inst.Symbol, err)
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO switchPos_import (filename, trading_date, mode, rows_total, rows_valid, imported_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			filename, tradingDate, mode, rowsTotal, len(instructions), time.Now().Unix()); err != nil {
			return fmt.Errorf("record import: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("filename", filename).
		Str("trading_date", tradingDate).
		Str("mode", mode).
		Int("rows", len(instructions)).
		Msg("Rotation instructions imported")
	return nil
}

// Get returns one instruction by id, deleted rows included (callers that
// must not see deleted rows filter on IsDeleted).
func (r *Repository) Get(id int64) (*domain.RotationInstruction, error) {
	row := r.db.QueryRow(`SELECT `+instructionColumns+` FROM rotation_instructions WHERE id = ?`, id)
	inst, err := scanInstruction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inst, err
}

// ListByDate returns the non-deleted instructions of one trading date.
func (r *Repository) ListByDate(tradingDate string) ([]*domain.RotationInstruction, error) {
	rows, err := r.db.Query(`
		SELECT `+instructionColumns+` FROM rotation_instructions
		WHERE trading_date = ? AND is_deleted = 0 ORDER BY id`, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("rotation: list by date: %w", err)
	}
	defer rows.Close()
	return scanInstructions(rows)
}

// ListPendingForDate returns the enabled, not-COMPLETED, non-deleted
// instructions of one trading date - the rotation work set.
func (r *Repository) ListPendingForDate(tradingDate string) ([]*domain.RotationInstruction, error) {
	rows, err := r.db.Query(`
		SELECT `+instructionColumns+` FROM rotation_instructions
		WHERE trading_date = ? AND is_deleted = 0 AND enabled = 1 AND status != ?
		ORDER BY id`, tradingDate, string(domain.InstructionCompleted))
	if err != nil {
		return nil, fmt.Errorf("rotation: list pending: %w", err)
	}
	defer rows.Close()
	return scanInstructions(rows)
}

// Update writes back the mutable instruction fields. The volume itself is
// immutable after import.
func (r *Repository) Update(inst *domain.RotationInstruction) error {
	var lastAttempt any
	if !inst.LastAttemptTime.IsZero() {
		lastAttempt = inst.LastAttemptTime.Unix()
	}
	res, err := r.db.Exec(`
		UPDATE rotation_instructions SET
			filled_volume = ?, remaining_volume = ?, enabled = ?, status = ?,
			attempt_count = ?, remaining_attempts = ?, current_cmd_id = ?,
			last_attempt_time = ?, error_message = ?, order_time = ?
		WHERE id = ?`,
		inst.FilledVolume, inst.RemainingVolume, boolToInt(inst.Enabled),
		string(inst.Status), inst.AttemptCount, inst.RemainingAttempts,
		inst.CurrentCmdID, lastAttempt, inst.ErrorMessage, inst.OrderTime, inst.ID)
	if err != nil {
		return fmt.Errorf("rotation: update instruction %d: %w", inst.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks instructions deleted; rows are never physically removed
// mid-session.
func (r *Repository) SoftDelete(ids []int64) (int64, error) {
	var total int64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.Exec(`UPDATE rotation_instructions SET is_deleted = 1 WHERE id = ? AND is_deleted = 0`, id)
			if err != nil {
				return fmt.Errorf("soft-delete %d: %w", id, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// HasImportedFile reports whether a filename has been imported before. The
// inbox scan uses this to skip files it already processed.
func (r *Repository) HasImportedFile(filename string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM switchPos_import WHERE filename = ?`, filename).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("rotation: count imports by filename: %w", err)
	}
	return n > 0, nil
}

// HasImportForDate reports whether any import has been recorded for a
// trading date. The opening check alarms when today's file is missing.
func (r *Repository) HasImportForDate(tradingDate string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM switchPos_import WHERE trading_date = ?`, tradingDate).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("rotation: count imports: %w", err)
	}
	return n > 0, nil
}

// ListImports returns the import history, newest first.
func (r *Repository) ListImports(limit int) ([]*domain.ImportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, filename, trading_date, mode, rows_total, rows_valid, imported_at
		FROM switchPos_import ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("rotation: list imports: %w", err)
	}
	defer rows.Close()

	var out []*domain.ImportRecord
	for rows.Next() {
		var rec domain.ImportRecord
		var importedAt int64
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.TradingDate, &rec.Mode,
			&rec.RowsTotal, &rec.RowsValid, &importedAt); err != nil {
			return nil, fmt.Errorf("rotation: scan import row: %w", err)
		}
		rec.ImportedAt = time.Unix(importedAt, 0)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstructionFrom(s rowScanner) (*domain.RotationInstruction, error) {
	var inst domain.RotationInstruction
	var direction, offset, status string
	var enabled, deleted int
	var lastAttempt sql.NullInt64

	err := s.Scan(&inst.ID, &inst.AccountID, &inst.StrategyID, &inst.Symbol,
		&direction, &offset, &inst.Volume, &inst.FilledVolume, &inst.Price,
		&inst.OrderTime, &inst.TradingDate, &enabled, &status,
		&inst.AttemptCount, &inst.RemainingAttempts, &inst.RemainingVolume,
		&inst.CurrentCmdID, &lastAttempt, &inst.ErrorMessage, &inst.Source, &deleted)
	if err != nil {
		return nil, err
	}

	inst.Direction = domain.Direction(direction)
	inst.Offset = domain.Offset(offset)
	inst.Status = domain.InstructionStatus(status)
	inst.Enabled = enabled != 0
	inst.IsDeleted = deleted != 0
	if lastAttempt.Valid {
		inst.LastAttemptTime = time.Unix(lastAttempt.Int64, 0)
	}
	return &inst, nil
}

func scanInstruction(row *sql.Row) (*domain.RotationInstruction, error) {
	inst, err := scanInstructionFrom(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("rotation: scan instruction: %w", err)
	}
	return inst, nil
}

func scanInstructions(rows *sql.Rows) ([]*domain.RotationInstruction, error) {
	var out []*domain.RotationInstruction
	for rows.Next() {
		inst, err := scanInstructionFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("rotation: scan instruction row: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
