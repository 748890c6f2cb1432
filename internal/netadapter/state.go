package netadapter

// State is where an adapter is in the spoof or reset sequence.
type State int

const (
	Idle State = iota
	Disabling
	Writing
	Enabling
	Verifying
	Verified
	Failed
	Resetting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Disabling:
		return "disabling"
	case Writing:
		return "writing"
	case Enabling:
		return "enabling"
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	case Resetting:
		return "resetting"
	}
	return "unknown"
}
