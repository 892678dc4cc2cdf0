package roaster

import "fmt"

// Valve opening limits in percent.
const (
	ValveMin = 0
	ValveMax = 100
)

// RelayCommand builds the command that switches a relay on or off.
func RelayCommand(field FieldID, on bool) (OutgoingCommand, error) {
	if !field.IsRelay() {
		return OutgoingCommand{}, fmt.Errorf("%w: %s is not a relay", ErrInvalidCommand, field)
	}
	cmd := CmdRelayOff
	if on {
		cmd = CmdRelayOn
	}
	return OutgoingCommand{Command: cmd, Value: int(field)}, nil
}

// ToggleCommand builds the command that flips a relay relative to the
// last confirmed state. The state itself is left alone; it changes when
// the controller reports the new value.
func ToggleCommand(state State, field FieldID) (OutgoingCommand, bool, error) {
	current, ok := state.Value(field)
	if !ok {
		return OutgoingCommand{}, false, fmt.Errorf("%w: %d", ErrUnknownField, int(field))
	}
	target := current == 0
	cmd, err := RelayCommand(field, target)
	return cmd, target, err
}

// ValveCommand builds the command that sets the gas valve opening.
func ValveCommand(percent int) (OutgoingCommand, error) {
	if percent < ValveMin || percent > ValveMax {
		return OutgoingCommand{}, fmt.Errorf("%w: valve %d%% outside %d-%d", ErrInvalidCommand, percent, ValveMin, ValveMax)
	}
	return OutgoingCommand{Command: CmdSetValve, Value: percent}, nil
}
