// Package sessionstore implements session.Store and billing.ChargeStore with GORM.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/dberr"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/session"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	constraintComputerName   = "uniq_computers_name"
	constraintComputerIP     = "uniq_computers_ip_address"
	constraintActiveUser     = "uniq_sessions_active_user"
	constraintActiveComputer = "uniq_sessions_active_computer"
	constraintChargePrimary  = "pending_charges_pkey"
	defaultListLimit         = 500
)

// Store implements session.Store and billing.ChargeStore.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore session.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertComputer(ctx context.Context, computer session.Computer) (session.Computer, error) {
	row := toComputerRow(computer)
	row.Version = 1
	err := store.db.WithContext(ctx).Create(&row).Error
	if dberr.IsUniqueViolation(err, constraintComputerName, constraintComputerIP) {
		return session.Computer{}, fmt.Errorf("%w: %s", session.ErrDuplicateComputer, computer.Name)
	}
	if err != nil {
		return session.Computer{}, fmt.Errorf("store: insert computer: %w", err)
	}
	return fromComputerRow(row)
}

func (store *Store) UpdateComputerDetails(ctx context.Context, computer session.Computer) (session.Computer, error) {
	result := store.db.WithContext(ctx).
		Model(&Computer{}).
		Where("id = ?", computer.ID).
		Updates(map[string]interface{}{
			"name":              computer.Name,
			"ip_address":        computer.IPAddress,
			"specifications":    computer.Specifications,
			"location":          computer.Location,
			"hourly_rate_cents": toCents(computer.HourlyRate),
		})
	if dberr.IsUniqueViolation(result.Error, constraintComputerName, constraintComputerIP) {
		return session.Computer{}, fmt.Errorf("%w: %s", session.ErrDuplicateComputer, computer.Name)
	}
	if result.Error != nil {
		return session.Computer{}, fmt.Errorf("store: update computer: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return session.Computer{}, session.ErrComputerNotFound
	}
	return store.GetComputer(ctx, computer.ID)
}

func (store *Store) GetComputer(ctx context.Context, computerID int64) (session.Computer, error) {
	var row Computer
	err := store.db.WithContext(ctx).Where("id = ?", computerID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Computer{}, session.ErrComputerNotFound
		}
		return session.Computer{}, fmt.Errorf("store: get computer: %w", err)
	}
	return fromComputerRow(row)
}

func (store *Store) ListComputers(ctx context.Context, status session.ComputerStatus) ([]session.Computer, error) {
	query := store.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var rows []Computer
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list computers: %w", err)
	}
	computers := make([]session.Computer, 0, len(rows))
	for _, row := range rows {
		computer, err := fromComputerRow(row)
		if err != nil {
			return nil, err
		}
		computers = append(computers, computer)
	}
	return computers, nil
}

// TransitionComputer applies the change only if status and version still match, so two
// writers racing on one computer cannot both win.
func (store *Store) TransitionComputer(ctx context.Context, transition session.ComputerTransition) error {
	updates := map[string]interface{}{
		"status":  string(transition.ToStatus),
		"version": gorm.Expr("version + 1"),
	}
	if transition.LastUsedDate != nil {
		updates["last_used_date"] = transition.LastUsedDate.UTC()
	}
	if transition.LastMaintenanceDate != nil {
		updates["last_maintenance_date"] = transition.LastMaintenanceDate.UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Computer{}).
		Where("id = ? AND status = ? AND version = ?", transition.ComputerID, string(transition.FromStatus), transition.FromVersion).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: transition computer: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetComputer(ctx, transition.ComputerID); err != nil {
			return err
		}
		return session.ErrConcurrentUpdate
	}
	return nil
}

func (store *Store) InsertSession(ctx context.Context, value session.Session) (session.Session, error) {
	row := toSessionRow(value)
	err := store.db.WithContext(ctx).Create(&row).Error
	if dberr.IsUniqueViolation(err, constraintActiveUser, constraintActiveComputer) {
		return session.Session{}, session.ErrActiveSessionExists
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("store: insert session: %w", err)
	}
	return fromSessionRow(row)
}

func (store *Store) GetSession(ctx context.Context, sessionID int64) (session.Session, error) {
	var row Session
	err := store.db.WithContext(ctx).Where("id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, fmt.Errorf("store: get session: %w", err)
	}
	return fromSessionRow(row)
}

// CloseSession writes the final state of a session that is still active.
func (store *Store) CloseSession(ctx context.Context, value session.Session) error {
	var endTime *time.Time
	if value.EndTime != nil {
		ended := value.EndTime.UTC()
		endTime = &ended
	}
	result := store.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND status = ?", value.ID, string(session.SessionActive)).
		Updates(map[string]interface{}{
			"end_time":         endTime,
			"duration_millis":  value.Duration.Milliseconds(),
			"total_cost_cents": toCents(value.TotalCost),
			"status":           string(value.Status),
			"notes":            value.Notes,
		})
	if result.Error != nil {
		return fmt.Errorf("store: close session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return session.ErrSessionNotActive
	}
	return nil
}

func (store *Store) FindActiveSessionByUser(ctx context.Context, userID string) (session.Session, error) {
	return store.findActive(ctx, "user_id = ?", userID)
}

func (store *Store) FindActiveSessionByComputer(ctx context.Context, computerID int64) (session.Session, error) {
	return store.findActive(ctx, "computer_id = ?", computerID)
}

func (store *Store) findActive(ctx context.Context, condition string, value interface{}) (session.Session, error) {
	var row Session
	err := store.db.WithContext(ctx).
		Where(condition, value).
		Where("status = ?", string(session.SessionActive)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, fmt.Errorf("store: find active session: %w", err)
	}
	return fromSessionRow(row)
}

func (store *Store) ListSessions(ctx context.Context, filter session.SessionFilter) ([]session.Session, error) {
	query := store.db.WithContext(ctx).Model(&Session{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.ComputerID != 0 {
		query = query.Where("computer_id = ?", filter.ComputerID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.StartedFrom != nil {
		query = query.Where("start_time >= ?", filter.StartedFrom.UTC())
	}
	if filter.StartedUntil != nil {
		query = query.Where("start_time <= ?", filter.StartedUntil.UTC())
	}
	if filter.EndedBy != nil {
		query = query.Where("(end_time IS NULL OR end_time <= ?)", filter.EndedBy.UTC())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var rows []Session
	if err := query.Order("start_time DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	sessions := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		mapped, err := fromSessionRow(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, mapped)
	}
	return sessions, nil
}

func (store *Store) InsertCharge(ctx context.Context, charge billing.Charge) error {
	row := toChargeRow(charge)
	err := store.db.WithContext(ctx).Create(&row).Error
	if dberr.IsUniqueViolation(err, constraintChargePrimary) {
		return fmt.Errorf("store: charge for session %d already recorded: %w", charge.SessionID, err)
	}
	if err != nil {
		return fmt.Errorf("store: insert charge: %w", err)
	}
	return nil
}

func (store *Store) GetCharge(ctx context.Context, sessionID int64) (billing.Charge, error) {
	var row PendingCharge
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Charge{}, billing.ErrUnknownCharge
		}
		return billing.Charge{}, fmt.Errorf("store: get charge: %w", err)
	}
	return fromChargeRow(row)
}

func (store *Store) ListDueCharges(ctx context.Context, now time.Time, limit int) ([]billing.Charge, error) {
	var rows []PendingCharge
	err := store.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", string(billing.ChargePending), now.UTC()).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list due charges: %w", err)
	}
	return fromChargeRows(rows)
}

func (store *Store) ListCharges(ctx context.Context, status billing.ChargeStatus, limit int) ([]billing.Charge, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := store.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var rows []PendingCharge
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list charges: %w", err)
	}
	return fromChargeRows(rows)
}

func (store *Store) CountCharges(ctx context.Context, status billing.ChargeStatus) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&PendingCharge{}).Where("status = ?", string(status)).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count charges: %w", err)
	}
	return count, nil
}

// SaveChargeAttempt records the result of a dispatch. A charge already collected is never
// moved back, so a late pending result from a slow dispatcher cannot undo a collection.
func (store *Store) SaveChargeAttempt(ctx context.Context, charge billing.Charge) error {
	var collectedAt *time.Time
	if charge.CollectedAt != nil {
		collected := charge.CollectedAt.UTC()
		collectedAt = &collected
	}
	result := store.db.WithContext(ctx).
		Model(&PendingCharge{}).
		Where("session_id = ? AND status <> ?", charge.SessionID, string(billing.ChargeCollected)).
		Updates(map[string]interface{}{
			"status":          string(charge.Status),
			"attempts":        charge.Attempts,
			"last_error":      charge.LastError,
			"next_attempt_at": charge.NextAttemptAt.UTC(),
			"collected_at":    collectedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("store: save charge attempt: %w", result.Error)
	}
	return nil
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func toComputerRow(computer session.Computer) Computer {
	return Computer{
		ID:                  computer.ID,
		Name:                computer.Name,
		IPAddress:           computer.IPAddress,
		Specifications:      computer.Specifications,
		Location:            computer.Location,
		Status:              string(computer.Status),
		HourlyRateCents:     toCents(computer.HourlyRate),
		LastMaintenanceDate: computer.LastMaintenanceDate,
		LastUsedDate:        computer.LastUsedDate,
		Version:             computer.Version,
	}
}

func fromComputerRow(row Computer) (session.Computer, error) {
	status, err := session.ParseComputerStatus(row.Status)
	if err != nil {
		return session.Computer{}, fmt.Errorf("store: computer %d: %w", row.ID, err)
	}
	return session.Computer{
		ID:                  row.ID,
		Name:                row.Name,
		IPAddress:           row.IPAddress,
		Specifications:      row.Specifications,
		Location:            row.Location,
		Status:              status,
		HourlyRate:          fromCents(row.HourlyRateCents),
		LastMaintenanceDate: utcPointer(row.LastMaintenanceDate),
		LastUsedDate:        utcPointer(row.LastUsedDate),
		Version:             row.Version,
		CreatedAt:           row.CreatedAt.UTC(),
		CreatedBy:           row.CreatedBy,
		UpdatedAt:           row.UpdatedAt.UTC(),
		UpdatedBy:           row.UpdatedBy,
	}, nil
}

func toSessionRow(value session.Session) Session {
	return Session{
		ID:             value.ID,
		UserID:         value.UserID,
		ComputerID:     value.ComputerID,
		StartTime:      value.StartTime.UTC(),
		EndTime:        utcPointer(value.EndTime),
		DurationMillis: value.Duration.Milliseconds(),
		TotalCostCents: toCents(value.TotalCost),
		Status:         string(value.Status),
		Notes:          value.Notes,
	}
}

func fromSessionRow(row Session) (session.Session, error) {
	status, err := session.ParseSessionStatus(row.Status)
	if err != nil {
		return session.Session{}, fmt.Errorf("store: session %d: %w", row.ID, err)
	}
	return session.Session{
		ID:         row.ID,
		UserID:     row.UserID,
		ComputerID: row.ComputerID,
		StartTime:  row.StartTime.UTC(),
		EndTime:    utcPointer(row.EndTime),
		Duration:   time.Duration(row.DurationMillis) * time.Millisecond,
		TotalCost:  fromCents(row.TotalCostCents),
		Status:     status,
		Notes:      row.Notes,
		CreatedAt:  row.CreatedAt.UTC(),
		CreatedBy:  row.CreatedBy,
		UpdatedAt:  row.UpdatedAt.UTC(),
		UpdatedBy:  row.UpdatedBy,
	}, nil
}

func toChargeRow(charge billing.Charge) PendingCharge {
	return PendingCharge{
		SessionID:     charge.SessionID,
		UserID:        charge.UserID,
		AmountCents:   toCents(charge.Amount),
		Status:        string(charge.Status),
		Attempts:      charge.Attempts,
		LastError:     charge.LastError,
		NextAttemptAt: charge.NextAttemptAt.UTC(),
		CollectedAt:   utcPointer(charge.CollectedAt),
		CreatedAt:     charge.CreatedAt.UTC(),
		UpdatedAt:     charge.UpdatedAt.UTC(),
	}
}

func fromChargeRow(row PendingCharge) (billing.Charge, error) {
	status, err := billing.ParseChargeStatus(row.Status)
	if err != nil {
		return billing.Charge{}, fmt.Errorf("store: charge %d: %w", row.SessionID, err)
	}
	return billing.Charge{
		SessionID:     row.SessionID,
		UserID:        row.UserID,
		Amount:        fromCents(row.AmountCents),
		Status:        status,
		Attempts:      row.Attempts,
		LastError:     row.LastError,
		NextAttemptAt: row.NextAttemptAt.UTC(),
		CollectedAt:   utcPointer(row.CollectedAt),
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
	}, nil
}

func fromChargeRows(rows []PendingCharge) ([]billing.Charge, error) {
	charges := make([]billing.Charge, 0, len(rows))
	for _, row := range rows {
		charge, err := fromChargeRow(row)
		if err != nil {
			return nil, err
		}
		charges = append(charges, charge)
	}
	return charges, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}
