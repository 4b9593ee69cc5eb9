package vmm

// State is a sandbox lifecycle stage.
type State int32

const (
	StateCreated State = iota
	StateIsolationPrepared
	StateProcessLaunched
	StateSnapshotLoading
	StateDeviceBound
	StateRunning
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateCreated:           "created",
	StateIsolationPrepared: "isolation-prepared",
	StateProcessLaunched:   "process-launched",
	StateSnapshotLoading:   "snapshot-loading",
	StateDeviceBound:       "device-bound",
	StateRunning:           "running",
	StateStopped:           "stopped",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
