package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

const (
	maxComputerNameLength = 100
	maxDescriptiveLength  = 500
	recentSessionsLimit   = 5
)

// Registry manages workstations and their operator-driven status changes.
type Registry struct {
	store  Store
	ids    IDGenerator
	now    func() time.Time
	logger EventLogger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger attaches an event logger.
func WithRegistryLogger(logger EventLogger) RegistryOption {
	return func(registry *Registry) {
		if logger != nil {
			registry.logger = logger
		}
	}
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, ids IDGenerator, now func() time.Time, options ...RegistryOption) (*Registry, error) {
	if store == nil || ids == nil || now == nil {
		return nil, fmt.Errorf("%w: registry requires store, id generator and clock", ErrInvalidConfig)
	}
	registry := &Registry{store: store, ids: ids, now: now, logger: nopEventLogger{}}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	return registry, nil
}

// Register adds a new available workstation.
func (registry *Registry) Register(ctx context.Context, input RegisterComputerInput) (Computer, error) {
	computer := Computer{
		ID:             registry.ids.NextID(),
		Name:           strings.TrimSpace(input.Name),
		IPAddress:      strings.TrimSpace(input.IPAddress),
		Specifications: strings.TrimSpace(input.Specifications),
		Location:       strings.TrimSpace(input.Location),
		HourlyRate:     input.HourlyRate,
		Status:         ComputerAvailable,
	}
	if err := validateComputer(&computer); err != nil {
		return Computer{}, newSessionError("register_computer", err).withDetail(computer.Name)
	}
	created, err := registry.store.InsertComputer(ctx, computer)
	registry.logger.LogEvent(ctx, Event{Name: eventComputerRegistered, ComputerID: computer.ID, Amount: computer.HourlyRate, Detail: computer.Name, Error: err})
	if err != nil {
		return Computer{}, newSessionError("register_computer", err).withComputer(computer.ID)
	}
	return created, nil
}

// Update replaces the descriptive fields of a workstation. Status is not touched.
func (registry *Registry) Update(ctx context.Context, computerID int64, input UpdateComputerInput) (Computer, error) {
	var updated Computer
	err := registry.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		computer, err := txStore.GetComputer(ctx, computerID)
		if err != nil {
			return err
		}
		computer.Name = strings.TrimSpace(input.Name)
		computer.IPAddress = strings.TrimSpace(input.IPAddress)
		computer.Specifications = strings.TrimSpace(input.Specifications)
		computer.Location = strings.TrimSpace(input.Location)
		computer.HourlyRate = input.HourlyRate
		if err := validateComputer(&computer); err != nil {
			return err
		}
		updated, err = txStore.UpdateComputerDetails(ctx, computer)
		return err
	})
	registry.logger.LogEvent(ctx, Event{Name: eventComputerUpdated, ComputerID: computerID, Amount: input.HourlyRate, Detail: input.Name, Error: err})
	if err != nil {
		return Computer{}, newSessionError("update_computer", err).withComputer(computerID)
	}
	return updated, nil
}

// Get returns one workstation.
func (registry *Registry) Get(ctx context.Context, computerID int64) (Computer, error) {
	computer, err := registry.store.GetComputer(ctx, computerID)
	if err != nil {
		return Computer{}, newSessionError("get_computer", err).withComputer(computerID)
	}
	return computer, nil
}

// List returns every workstation.
func (registry *Registry) List(ctx context.Context) ([]Computer, error) {
	return registry.store.ListComputers(ctx, "")
}

// ListAvailable returns workstations that can be rented right now.
func (registry *Registry) ListAvailable(ctx context.Context) ([]Computer, error) {
	return registry.store.ListComputers(ctx, ComputerAvailable)
}

// ListByStatus returns workstations in status.
func (registry *Registry) ListByStatus(ctx context.Context, status ComputerStatus) ([]Computer, error) {
	if _, err := ParseComputerStatus(string(status)); err != nil {
		return nil, err
	}
	return registry.store.ListComputers(ctx, status)
}

// IsAvailable reports whether the workstation can be rented.
func (registry *Registry) IsAvailable(ctx context.Context, computerID int64) (bool, error) {
	computer, err := registry.Get(ctx, computerID)
	if err != nil {
		return false, err
	}
	return computer.Status == ComputerAvailable, nil
}

// Details returns the workstation with its running session and the latest sessions.
func (registry *Registry) Details(ctx context.Context, computerID int64) (ComputerDetails, error) {
	computer, err := registry.Get(ctx, computerID)
	if err != nil {
		return ComputerDetails{}, err
	}
	details := ComputerDetails{Computer: computer}
	current, err := registry.store.FindActiveSessionByComputer(ctx, computerID)
	switch {
	case err == nil:
		details.CurrentSession = &current
	case !errors.Is(err, ErrSessionNotFound):
		return ComputerDetails{}, newSessionError("computer_details", err).withComputer(computerID)
	}
	recent, err := registry.store.ListSessions(ctx, SessionFilter{ComputerID: computerID, Limit: recentSessionsLimit})
	if err != nil {
		return ComputerDetails{}, newSessionError("computer_details", err).withComputer(computerID)
	}
	details.RecentSessions = recent
	return details, nil
}

// SetMaintenance moves the workstation into maintenance.
func (registry *Registry) SetMaintenance(ctx context.Context, computerID int64, reason string) (Computer, error) {
	return registry.SetStatus(ctx, computerID, ComputerMaintenance, reason)
}

// SetStatus applies an operator status change. Setting the current status is a no-op.
// in_use is reserved for session start, and no change is allowed while a session runs.
func (registry *Registry) SetStatus(ctx context.Context, computerID int64, newStatus ComputerStatus, reason string) (Computer, error) {
	if _, err := ParseComputerStatus(string(newStatus)); err != nil {
		return Computer{}, err
	}
	if newStatus == ComputerInUse {
		return Computer{}, newSessionError("set_status", ErrInvalidComputerStatus).withComputer(computerID).withDetail("in_use is set by starting a session")
	}
	var (
		result   Computer
		previous ComputerStatus
		changed  bool
	)
	err := registry.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		computer, err := txStore.GetComputer(ctx, computerID)
		if err != nil {
			return err
		}
		previous = computer.Status
		if computer.Status == newStatus {
			result = computer
			return nil
		}
		if _, err := txStore.FindActiveSessionByComputer(ctx, computerID); err == nil {
			return ErrComputerBusy
		} else if !errors.Is(err, ErrSessionNotFound) {
			return err
		}
		now := registry.now().UTC()
		transition := ComputerTransition{
			ComputerID:  computerID,
			FromStatus:  computer.Status,
			FromVersion: computer.Version,
			ToStatus:    newStatus,
		}
		if newStatus == ComputerMaintenance || computer.Status == ComputerMaintenance {
			transition.LastMaintenanceDate = &now
			computer.LastMaintenanceDate = &now
		}
		if err := txStore.TransitionComputer(ctx, transition); err != nil {
			return err
		}
		computer.Status = newStatus
		computer.Version++
		result = computer
		changed = true
		return nil
	})
	if changed || err != nil {
		registry.logger.LogEvent(ctx, Event{
			Name:       eventComputerStatusChanged,
			ComputerID: computerID,
			Detail:     fmt.Sprintf("%s -> %s: %s", previous, newStatus, reason),
			Error:      err,
		})
	}
	if err != nil {
		return Computer{}, newSessionError("set_status", err).withComputer(computerID)
	}
	return result, nil
}

func validateComputer(computer *Computer) error {
	if computer.Name == "" || len(computer.Name) > maxComputerNameLength {
		return ErrInvalidComputerName
	}
	address, err := netip.ParseAddr(computer.IPAddress)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidIPAddress, err.Error())
	}
	computer.IPAddress = address.String()
	if len(computer.Specifications) > maxDescriptiveLength || len(computer.Location) > maxDescriptiveLength {
		return ErrInvalidFieldLength
	}
	if computer.HourlyRate.IsNegative() {
		return ErrInvalidHourlyRate
	}
	if computer.HourlyRate.Exponent() < -2 && !computer.HourlyRate.Equal(computer.HourlyRate.Round(2)) {
		return fmt.Errorf("%w: at most two fractional digits", ErrInvalidHourlyRate)
	}
	computer.HourlyRate = computer.HourlyRate.Round(2)
	return nil
}
