package sessionstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/audit"
)

// Computer mirrors the computers table.
type Computer struct {
	ID                  int64      `gorm:"primaryKey;autoIncrement:false"`
	Name                string     `gorm:"size:100;not null;uniqueIndex:uniq_computers_name"`
	IPAddress           string     `gorm:"column:ip_address;size:45;not null;uniqueIndex:uniq_computers_ip_address"`
	Specifications      string     `gorm:"size:500;not null;default:''"`
	Location            string     `gorm:"size:500;not null;default:''"`
	Status              string     `gorm:"size:32;not null;index:idx_computers_status"`
	HourlyRateCents     int64      `gorm:"not null"`
	LastMaintenanceDate *time.Time `gorm:""`
	LastUsedDate        *time.Time `gorm:""`
	Version             int64      `gorm:"not null;default:1"`
	audit.Audit
}

func (Computer) TableName() string { return "computers" }

// Session mirrors the sessions table. The partial unique indexes allow one active session per
// user and per computer.
type Session struct {
	ID             int64      `gorm:"primaryKey;autoIncrement:false"`
	UserID         string     `gorm:"size:255;not null;index:idx_sessions_user;uniqueIndex:uniq_sessions_active_user,where:status = 'active'"`
	ComputerID     int64      `gorm:"not null;index:idx_sessions_computer;uniqueIndex:uniq_sessions_active_computer,where:status = 'active'"`
	StartTime      time.Time  `gorm:"not null;index:idx_sessions_start_time"`
	EndTime        *time.Time `gorm:""`
	DurationMillis int64      `gorm:"not null;default:0"`
	TotalCostCents int64      `gorm:"not null;default:0"`
	Status         string     `gorm:"size:32;not null;index:idx_sessions_status"`
	Notes          string     `gorm:"size:500;not null;default:''"`
	audit.Audit
}

func (Session) TableName() string { return "sessions" }

// PendingCharge mirrors the pending_charges outbox table.
type PendingCharge struct {
	SessionID     int64      `gorm:"primaryKey;autoIncrement:false"`
	UserID        string     `gorm:"size:255;not null"`
	AmountCents   int64      `gorm:"not null"`
	Status        string     `gorm:"size:32;not null;index:idx_pending_charges_due,priority:1"`
	Attempts      int        `gorm:"not null;default:0"`
	LastError     string     `gorm:"size:500;not null;default:''"`
	NextAttemptAt time.Time  `gorm:"not null;index:idx_pending_charges_due,priority:2"`
	CollectedAt   *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (PendingCharge) TableName() string { return "pending_charges" }

// Models lists every table owned by the session store, in creation order.
func Models() []any {
	return []any{&Computer{}, &Session{}, &PendingCharge{}}
}
