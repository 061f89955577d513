package meta

import "time"

// ConditionsSection is the status section holding conditions.
const ConditionsSection = "conditions"

// Condition status values.
const (
	ConditionTrue    = "True"
	ConditionFalse   = "False"
	ConditionUnknown = "Unknown"
)

// Condition is one observed aspect of a resource's state.
type Condition struct {
	Type               string    `json:"type"`
	Status             string    `json:"status"`
	LastTransitionTime time.Time `json:"lastTransitionTime"`
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
}

// ConditionStatus is an update to a condition. A nil Status means unknown.
type ConditionStatus struct {
	Status  *bool
	Reason  string
	Message string
}

// Conditions is the list stored in the "conditions" status section.
type Conditions []Condition

func statusString(b *bool) string {
	switch {
	case b == nil:
		return ConditionUnknown
	case *b:
		return ConditionTrue
	default:
		return ConditionFalse
	}
}

// Update sets the condition of the given type. The transition time only moves when
// the status value changes; reason and message are always replaced.
func (c *Conditions) Update(typ string, st ConditionStatus, now time.Time) {
	status := statusString(st.Status)
	for i := range *c {
		cond := &(*c)[i]
		if cond.Type != typ {
			continue
		}
		if cond.Status != status {
			cond.Status = status
			cond.LastTransitionTime = now
		}
		cond.Reason = st.Reason
		cond.Message = st.Message
		return
	}
	*c = append(*c, Condition{
		Type:               typ,
		Status:             status,
		LastTransitionTime: now,
		Reason:             st.Reason,
		Message:            st.Message,
	})
}

// Get returns the condition of the given type.
func (c Conditions) Get(typ string) (Condition, bool) {
	for _, cond := range c {
		if cond.Type == typ {
			return cond, true
		}
	}
	return Condition{}, false
}

// IsTrue reports whether the condition of the given type has status True.
func (c Conditions) IsTrue(typ string) bool {
	cond, ok := c.Get(typ)
	return ok && cond.Status == ConditionTrue
}
