package domain

// Member represents a participant's membership meta inside the relay.
// No transport or lifecycle logic here.
type Member struct {
	Participant *Participant
}

func NewMember(p *Participant) *Member {
	return &Member{Participant: p}
}
