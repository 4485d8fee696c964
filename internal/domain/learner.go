package domain

// Learner describes who is chatting. All fields are optional.
type Learner struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Progress string `json:"progress,omitempty"`
	Attempts int    `json:"attempts"`
}

// HasIdentity returns true if the learner carries a name or an id.
func (l Learner) HasIdentity() bool {
	return l.ID != "" || l.Name != ""
}

// LearnerPatch carries the learner fields sent with a request.
// Nil fields are left untouched when merged.
type LearnerPatch struct {
	ID       *string `json:"id,omitempty"`
	Name     *string `json:"name,omitempty"`
	Progress *string `json:"progress,omitempty"`
	Attempts *int    `json:"attempts,omitempty"`
}

// Apply shallow-merges the patch into l; keys present in the patch win.
func (p *LearnerPatch) Apply(l Learner) Learner {
	if p == nil {
		return l
	}
	if p.ID != nil {
		l.ID = *p.ID
	}
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.Progress != nil {
		l.Progress = *p.Progress
	}
	if p.Attempts != nil {
		l.Attempts = *p.Attempts
	}
	return l
}
