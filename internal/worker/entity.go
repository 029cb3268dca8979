package worker

// Descriptor is the static capability record of a worker. Descriptors are
// loaded from the registry file and immutable during a run; a reload swaps
// the whole snapshot.
type Descriptor struct {
	Slug string `yaml:"slug" json:"slug"`
	// CapabilityTags describe what the worker can do; lookup ranks by
	// overlap with a task's required tags.
	CapabilityTags []string `yaml:"capability_tags" json:"capability_tags"`
	Domain         string   `yaml:"domain" json:"domain"`
	// EscalationTargets is the ordered list of domains or slugs failures
	// escalate to, most authoritative first.
	EscalationTargets []string `yaml:"escalation_targets" json:"escalation_targets"`
	// DelegatesTo lists domains this worker may hand sub-tasks to.
	DelegatesTo []string `yaml:"delegates_to" json:"delegates_to"`
	// Endpoint is the worker's execution URL for the HTTP executor.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// HasTag reports whether the descriptor carries the capability tag.
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagOverlap counts how many of the given tags the descriptor carries.
func (d *Descriptor) TagOverlap(tags []string) int {
	n := 0
	for _, tag := range tags {
		if d.HasTag(tag) {
			n++
		}
	}
	return n
}
