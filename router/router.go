// Package router maps roles to the topics a connection joins by default and
// decides which topics a role may join on request.
package router

import (
	"github.com/HMasataka/kebun/domain"
)

// Table maps a role to its default topics.
type Table map[domain.Role][]domain.Topic

// DefaultTable returns the role -> topics assignment used at admission and
// promotion. SUPER_ADMIN has no entry; it resolves to every topic.
func DefaultTable() Table {
	return Table{
		domain.RoleAnonymous:    {domain.TopicWebDashboard},
		domain.RoleSatpam:       {domain.TopicWebDashboard, domain.TopicSatpam, domain.TopicGateCheck},
		domain.RoleMandor:       {domain.TopicWebDashboard, domain.TopicMandor, domain.TopicHarvest},
		domain.RoleAsisten:      {domain.TopicWebDashboard, domain.TopicAsisten, domain.TopicHarvest},
		domain.RoleManager:      {domain.TopicWebDashboard, domain.TopicManager, domain.TopicHarvest, domain.TopicSystem},
		domain.RoleAreaManager:  {domain.TopicWebDashboard, domain.TopicAreaManager, domain.TopicHarvest, domain.TopicSystem, domain.TopicGateCheck},
		domain.RoleCompanyAdmin: {domain.TopicWebDashboard, domain.TopicCompanyAdmin, domain.TopicSystem},
	}
}

// roleTopics are joinable only by the role they name.
var roleTopics = map[domain.Topic]domain.Role{
	domain.TopicSatpam:       domain.RoleSatpam,
	domain.TopicMandor:       domain.RoleMandor,
	domain.TopicAsisten:      domain.RoleAsisten,
	domain.TopicManager:      domain.RoleManager,
	domain.TopicAreaManager:  domain.RoleAreaManager,
	domain.TopicCompanyAdmin: domain.RoleCompanyAdmin,
	domain.TopicSuperAdmin:   domain.RoleSuperAdmin,
}

// Router is the channel router.
type Router struct {
	table Table
}

// New creates a router over table. A nil table uses DefaultTable.
func New(table Table) *Router {
	if table == nil {
		table = DefaultTable()
	}
	return &Router{table: table}
}

// DefaultTopicsFor returns the topics a connection with role joins. Unknown
// roles get the anonymous assignment.
func (r *Router) DefaultTopicsFor(role domain.Role) []domain.Topic {
	if role == domain.RoleSuperAdmin {
		return domain.AllTopics()
	}

	topics, ok := r.table[role]
	if !ok {
		topics = r.table[domain.RoleAnonymous]
	}

	out := make([]domain.Topic, len(topics))
	copy(out, topics)
	return out
}

// CanJoin reports whether role may join topic on request. Anonymous
// connections keep their admission topics only; role topics are reserved for
// their role; SUPER_ADMIN may join anything.
func (r *Router) CanJoin(role domain.Role, topic domain.Topic) bool {
	if !topic.Valid() {
		return false
	}

	switch role {
	case domain.RoleSuperAdmin:
		return true
	case domain.RoleAnonymous, "":
		return false
	}

	if owner, ok := roleTopics[topic]; ok {
		return owner == role
	}
	return true
}
