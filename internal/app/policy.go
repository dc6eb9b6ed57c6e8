package app

import (
	"fmt"

	"github.com/dkeye/meshcall/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// SimplePolicy always answers with Action.
type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return p.Action
}

// PolicyFromString maps the backpressure config value to a policy.
func PolicyFromString(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{Action: KickMember}, nil
	case "drop":
		return SimplePolicy{Action: DropFrame}, nil
	case "none":
		return SimplePolicy{Action: NoAction}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", name)
	}
}
