package session

import "codeblock/internal/models"

// RolePolicy decides the role of a connection joining a room. It runs inside
// the room's critical section, atomically with the membership insert.
type RolePolicy interface {
	Assign(hasMentor bool) models.Role
}

// FirstComeMentor makes the first joiner of a room without a mentor the
// mentor; everyone else is a student. A departing mentor's students are not
// promoted; the slot stays empty until the next joiner arrives.
type FirstComeMentor struct{}

func (FirstComeMentor) Assign(hasMentor bool) models.Role {
	if hasMentor {
		return models.RoleStudent
	}
	return models.RoleMentor
}
