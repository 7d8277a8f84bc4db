package journal

import "encoding/json"

// Domain identifies the area of the assistant a change event belongs to.
// The known set is closed; DomainOther is the escape hatch for domains
// introduced by collaborators before this core learns about them.
type Domain struct {
	name string
}

var (
	DomainMessages = Domain{"messages"}
	DomainGoals    = Domain{"goals"}
	DomainProjects = Domain{"projects"}
	DomainNews     = Domain{"news"}
	DomainMarket   = Domain{"market"}
	DomainHealth   = Domain{"health"}
	DomainCalendar = Domain{"calendar"}
	DomainMemory   = Domain{"memory"}
	DomainSystem   = Domain{"system"}
)

var knownDomains = map[string]Domain{
	"messages": DomainMessages,
	"goals":    DomainGoals,
	"projects": DomainProjects,
	"news":     DomainNews,
	"market":   DomainMarket,
	"health":   DomainHealth,
	"calendar": DomainCalendar,
	"memory":   DomainMemory,
	"system":   DomainSystem,
}

// DomainOther wraps a domain name that is not part of the known set.
func DomainOther(name string) Domain {
	if d, ok := knownDomains[name]; ok {
		return d
	}
	return Domain{name: name}
}

// ParseDomain maps a string to a known domain, or an Other domain.
func ParseDomain(name string) Domain {
	return DomainOther(name)
}

// IsKnown returns true for domains in the closed set.
func (d Domain) IsKnown() bool {
	_, ok := knownDomains[d.name]
	return ok
}

// String returns the domain name.
func (d Domain) String() string {
	return d.name
}

// MarshalJSON serializes the domain as its name.
func (d Domain) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.name)
}

// UnmarshalJSON deserializes a domain from its name.
func (d *Domain) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*d = ParseDomain(name)
	return nil
}
