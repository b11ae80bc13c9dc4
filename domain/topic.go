package domain

// Topic is a broadcast grouping a connection can belong to.
type Topic string

const (
	// Dashboard topics
	TopicWebDashboard Topic = "WEB_DASHBOARD"
	TopicMobile       Topic = "MOBILE"

	// Role topics
	TopicSatpam       Topic = "SATPAM"
	TopicMandor       Topic = "MANDOR"
	TopicAsisten      Topic = "ASISTEN"
	TopicManager      Topic = "MANAGER"
	TopicAreaManager  Topic = "AREA_MANAGER"
	TopicCompanyAdmin Topic = "COMPANY_ADMIN"
	TopicSuperAdmin   Topic = "SUPER_ADMIN"

	// Cross-cutting topics
	TopicGateCheck Topic = "GATE_CHECK"
	TopicHarvest   Topic = "HARVEST"
	TopicSystem    Topic = "SYSTEM"
	TopicPKS       Topic = "PKS"
)

// AllTopics lists every declared topic in a stable order.
func AllTopics() []Topic {
	return []Topic{
		TopicWebDashboard,
		TopicMobile,
		TopicSatpam,
		TopicMandor,
		TopicAsisten,
		TopicManager,
		TopicAreaManager,
		TopicCompanyAdmin,
		TopicSuperAdmin,
		TopicGateCheck,
		TopicHarvest,
		TopicSystem,
		TopicPKS,
	}
}

// Valid reports whether t is one of the declared topics.
func (t Topic) Valid() bool {
	for _, known := range AllTopics() {
		if t == known {
			return true
		}
	}
	return false
}

// Role is the job role carried by an authenticated identity.
type Role string

const (
	RoleAnonymous    Role = "anonymous"
	RoleSatpam       Role = "SATPAM"
	RoleMandor       Role = "MANDOR"
	RoleAsisten      Role = "ASISTEN"
	RoleManager      Role = "MANAGER"
	RoleAreaManager  Role = "AREA_MANAGER"
	RoleCompanyAdmin Role = "COMPANY_ADMIN"
	RoleSuperAdmin   Role = "SUPER_ADMIN"
)
