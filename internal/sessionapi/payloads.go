package sessionapi

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/session"
	"github.com/shopspring/decimal"
)

type startSessionRequest struct {
	UserID     string      `json:"userId"`
	ComputerID json.Number `json:"computerId"`
}

type endSessionRequest struct {
	SessionID json.Number `json:"sessionId"`
	Notes     string      `json:"notes"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type computerRequest struct {
	Name           string          `json:"name"`
	IPAddress      string          `json:"ipAddress"`
	Specifications string          `json:"specifications"`
	Location       string          `json:"location"`
	HourlyRate     decimal.Decimal `json:"hourlyRate"`
}

func (request computerRequest) toRegisterInput() session.RegisterComputerInput {
	return session.RegisterComputerInput{
		Name:           request.Name,
		IPAddress:      request.IPAddress,
		Specifications: request.Specifications,
		Location:       request.Location,
		HourlyRate:     request.HourlyRate,
	}
}

func (request computerRequest) toUpdateInput() session.UpdateComputerInput {
	return session.UpdateComputerInput{
		Name:           request.Name,
		IPAddress:      request.IPAddress,
		Specifications: request.Specifications,
		Location:       request.Location,
		HourlyRate:     request.HourlyRate,
	}
}

// Snowflake ids exceed the integer range of JavaScript clients, so they travel as strings.
type computerPayload struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	IPAddress           string          `json:"ipAddress"`
	Specifications      string          `json:"specifications"`
	Location            string          `json:"location"`
	Status              string          `json:"status"`
	HourlyRate          decimal.Decimal `json:"hourlyRate"`
	LastMaintenanceDate *time.Time      `json:"lastMaintenanceDate,omitempty"`
	LastUsedDate        *time.Time      `json:"lastUsedDate,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"createdAt"`
	CreatedBy           string          `json:"createdBy"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	UpdatedBy           string          `json:"updatedBy"`
}

func newComputerPayload(computer session.Computer) computerPayload {
	return computerPayload{
		ID:                  formatID(computer.ID),
		Name:                computer.Name,
		IPAddress:           computer.IPAddress,
		Specifications:      computer.Specifications,
		Location:            computer.Location,
		Status:              string(computer.Status),
		HourlyRate:          computer.HourlyRate,
		LastMaintenanceDate: computer.LastMaintenanceDate,
		LastUsedDate:        computer.LastUsedDate,
		Version:             computer.Version,
		CreatedAt:           computer.CreatedAt,
		CreatedBy:           computer.CreatedBy,
		UpdatedAt:           computer.UpdatedAt,
		UpdatedBy:           computer.UpdatedBy,
	}
}

func newComputerPayloads(computers []session.Computer) []computerPayload {
	payload := make([]computerPayload, 0, len(computers))
	for _, computer := range computers {
		payload = append(payload, newComputerPayload(computer))
	}
	return payload
}

type sessionPayload struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	ComputerID      string          `json:"computerId"`
	StartTime       time.Time       `json:"startTime"`
	EndTime         *time.Time      `json:"endTime,omitempty"`
	DurationSeconds int64           `json:"durationSeconds"`
	TotalCost       decimal.Decimal `json:"totalCost"`
	Status          string          `json:"status"`
	Notes           string          `json:"notes,omitempty"`
}

func newSessionPayload(record session.Session) sessionPayload {
	return sessionPayload{
		ID:              formatID(record.ID),
		UserID:          record.UserID,
		ComputerID:      formatID(record.ComputerID),
		StartTime:       record.StartTime,
		EndTime:         record.EndTime,
		DurationSeconds: int64(record.Duration / time.Second),
		TotalCost:       record.TotalCost,
		Status:          string(record.Status),
		Notes:           record.Notes,
	}
}

func newSessionPayloads(records []session.Session) []sessionPayload {
	payload := make([]sessionPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newSessionPayload(record))
	}
	return payload
}

type closePayload struct {
	Session sessionPayload `json:"session"`
	Billing string         `json:"billing"`
}

type detailsPayload struct {
	Computer       computerPayload  `json:"computer"`
	CurrentSession *sessionPayload  `json:"currentSession"`
	RecentSessions []sessionPayload `json:"recentSessions"`
}

func newDetailsPayload(details session.ComputerDetails) detailsPayload {
	payload := detailsPayload{
		Computer:       newComputerPayload(details.Computer),
		RecentSessions: newSessionPayloads(details.RecentSessions),
	}
	if details.CurrentSession != nil {
		current := newSessionPayload(*details.CurrentSession)
		payload.CurrentSession = &current
	}
	return payload
}

type costPayload struct {
	SessionID string          `json:"sessionId"`
	Cost      decimal.Decimal `json:"cost"`
	Final     bool            `json:"final"`
}

type remainingTimePayload struct {
	Seconds   int64  `json:"seconds"`
	Display   string `json:"display"`
	Unbounded bool   `json:"unbounded"`
}

func newRemainingTimePayload(remaining session.RemainingTime) remainingTimePayload {
	return remainingTimePayload{
		Seconds:   int64(remaining.Duration / time.Second),
		Display:   remaining.Duration.String(),
		Unbounded: remaining.Unbounded,
	}
}

type chargePayload struct {
	SessionID     string          `json:"sessionId"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	CollectedAt   *time.Time      `json:"collectedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func newChargePayload(charge billing.Charge) chargePayload {
	return chargePayload{
		SessionID:     formatID(charge.SessionID),
		UserID:        charge.UserID,
		Amount:        charge.Amount,
		Status:        string(charge.Status),
		Attempts:      charge.Attempts,
		LastError:     charge.LastError,
		NextAttemptAt: charge.NextAttemptAt,
		CollectedAt:   charge.CollectedAt,
		CreatedAt:     charge.CreatedAt,
		UpdatedAt:     charge.UpdatedAt,
	}
}

type retryPayload struct {
	Charge  chargePayload `json:"charge"`
	Billing string        `json:"billing"`
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
