// Package publisher maps plantation domain events onto broadcast selectors.
// Each event is one broadcast over a union selector, so a connection that
// matches several clauses still receives it once.
package publisher

import (
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/logging"
)

// Event names carried in the frame's event field.
const (
	EventHarvestCreated     = "harvestRecordCreated"
	EventHarvestApproved    = "harvestRecordApproved"
	EventHarvestRejected    = "harvestRecordRejected"
	EventHarvestUpdated     = "harvestRecordUpdated"
	EventHarvestDeleted     = "harvestRecordDeleted"
	EventGateCheckCreated   = "gateCheckCreated"
	EventGateCheckCompleted = "gateCheckCompleted"
	EventSystemAlert        = "systemAlert"
	EventUserStatusChange   = "userStatusChange"
	EventCompanyUpdate      = "companyUpdate"
	EventPKSDataReceived    = "pksDataReceived"
)

// Severity grades a system alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Alert is the payload of a system alert.
type Alert struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UserStatus is the payload of a user status change.
type UserStatus struct {
	UserID    string         `json:"userId"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CompanyUpdate is the payload of a tenant-wide update.
type CompanyUpdate struct {
	CompanyID string    `json:"companyId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher turns domain events into broadcasts.
type Publisher struct {
	broadcaster domain.Broadcaster
	logger      *logging.Logger
	now         func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(logger *logging.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func New(b domain.Broadcaster, opts ...Option) *Publisher {
	p := &Publisher{
		broadcaster: b,
		logger:      logging.Discard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HarvestCreated reaches the harvest topic and the reviewing roles.
func (p *Publisher) HarvestCreated(record any) error {
	return p.broadcast(EventHarvestCreated, record, domain.Selector{
		Topics: []domain.Topic{domain.TopicHarvest},
		Roles:  []domain.Role{domain.RoleAsisten, domain.RoleManager, domain.RoleAreaManager},
	})
}

// HarvestApproved also reaches the foreman who submitted the record.
func (p *Publisher) HarvestApproved(mandorID string, record any) error {
	sel := domain.Selector{
		Topics: []domain.Topic{domain.TopicHarvest},
		Roles:  []domain.Role{domain.RoleManager, domain.RoleAreaManager},
	}
	if mandorID != "" {
		sel.UserIDs = []string{mandorID}
	}
	return p.broadcast(EventHarvestApproved, record, sel)
}

func (p *Publisher) HarvestRejected(record any) error {
	return p.broadcast(EventHarvestRejected, record, harvestTopic())
}

func (p *Publisher) HarvestUpdated(record any) error {
	return p.broadcast(EventHarvestUpdated, record, harvestTopic())
}

func (p *Publisher) HarvestDeleted(record any) error {
	return p.broadcast(EventHarvestDeleted, record, harvestTopic())
}

func (p *Publisher) GateCheckCreated(record any) error {
	return p.broadcast(EventGateCheckCreated, record, gateCheckTopic())
}

func (p *Publisher) GateCheckCompleted(record any) error {
	return p.broadcast(EventGateCheckCompleted, record, gateCheckTopic())
}

// SystemAlert reaches the system topic plus the role responsible for the
// severity: critical to SUPER_ADMIN, high to COMPANY_ADMIN, medium to
// MANAGER.
func (p *Publisher) SystemAlert(alertType, message string, severity Severity, data any) error {
	sel := domain.Selector{Topics: []domain.Topic{domain.TopicSystem}}
	if role, ok := severityRole(severity); ok {
		sel.Roles = []domain.Role{role}
	}

	return p.broadcast(EventSystemAlert, Alert{
		Type:      alertType,
		Message:   message,
		Severity:  severity,
		Data:      data,
		Timestamp: p.now().UTC(),
	}, sel)
}

// UserStatusChanged reaches the user and the administrators.
func (p *Publisher) UserStatusChanged(userID, status string, metadata map[string]any) error {
	return p.broadcast(EventUserStatusChange, UserStatus{
		UserID:    userID,
		Status:    status,
		Metadata:  metadata,
		Timestamp: p.now().UTC(),
	}, domain.Selector{
		UserIDs: []string{userID},
		Roles:   []domain.Role{domain.RoleCompanyAdmin, domain.RoleSuperAdmin},
	})
}

// TenantUpdated reaches every connection of one company.
func (p *Publisher) TenantUpdated(companyID, updateType, message string, data any) error {
	return p.broadcast(EventCompanyUpdate, CompanyUpdate{
		CompanyID: companyID,
		Type:      updateType,
		Message:   message,
		Data:      data,
		Timestamp: p.now().UTC(),
	}, domain.Selector{TenantIDs: []string{companyID}})
}

func (p *Publisher) PKSDataReceived(data any) error {
	return p.broadcast(EventPKSDataReceived, data, domain.Selector{
		Topics: []domain.Topic{domain.TopicPKS},
		Roles:  []domain.Role{domain.RoleManager, domain.RoleAreaManager},
	})
}

func (p *Publisher) broadcast(event string, payload any, sel domain.Selector) error {
	if err := p.broadcaster.Broadcast(event, payload, sel); err != nil {
		p.logger.Warn("failed to publish event",
			"event", event,
			"error", err,
		)
		return err
	}

	p.logger.Debug("event published", "event", event)
	return nil
}

func severityRole(s Severity) (domain.Role, bool) {
	switch s {
	case SeverityCritical:
		return domain.RoleSuperAdmin, true
	case SeverityHigh:
		return domain.RoleCompanyAdmin, true
	case SeverityMedium:
		return domain.RoleManager, true
	default:
		return "", false
	}
}

func harvestTopic() domain.Selector {
	return domain.Selector{Topics: []domain.Topic{domain.TopicHarvest}}
}

func gateCheckTopic() domain.Selector {
	return domain.Selector{Topics: []domain.Topic{domain.TopicGateCheck}}
}
