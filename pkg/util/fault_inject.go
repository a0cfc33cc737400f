package util

import (
	"sync"
	"sync/atomic"
)

const (
	FAULTS_COUNT      int = 16
	FAULTS_SCOPE_AGGR int = 0
	FAULTS_SCOPE_MEM  int = 1
)

// fault names
const (
	// fails one buffer allocation
	FaultAllocate = "allocate"
	// fails writing one spill file
	FaultSpill = "spill"
	// fails the kernel update of one batch
	FaultKernelUpdate = "kernel_update"
)

var faultsSwitch [FAULTS_COUNT]Faults

type Faults struct {
	_enable atomic.Bool
	_faults sync.Map
}

// FaultAction fires Action with Args. A positive Times limits how often the
// action fires; afterwards the fault is removed.
type FaultAction struct {
	Args   []string
	Action func([]string) error
	Times  atomic.Int64
	Fired  atomic.Int64
}

func OpenFaults(scope int) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	faultsSwitch[scope]._enable.Store(true)
}

func CloseFaults(scope int) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	faultsSwitch[scope]._enable.Store(false)
	faultsSwitch[scope]._faults.Clear()
}

func CheckFault(scope int, faultName string) *FaultAction {
	if scope >= FAULTS_COUNT || scope < 0 {
		return nil
	}
	if !faultsSwitch[scope]._enable.Load() {
		return nil
	}
	val, ok := faultsSwitch[scope]._faults.Load(faultName)
	if !ok || val == nil {
		return nil
	}
	return val.(*FaultAction)
}

// FireFault runs the registered action for faultName if there is one.
func FireFault(scope int, faultName string) error {
	fa := CheckFault(scope, faultName)
	if fa == nil {
		return nil
	}
	if limit := fa.Times.Load(); limit > 0 {
		if fa.Fired.Add(1) > limit {
			faultsSwitch[scope]._faults.CompareAndDelete(faultName, fa)
			return nil
		}
	}
	return fa.Action(fa.Args)
}

func RegisterFault(scope int, faultName string, times int, args []string, action func([]string) error) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	if !faultsSwitch[scope]._enable.Load() {
		return
	}
	fa := &FaultAction{Args: args, Action: action}
	fa.Times.Store(int64(times))
	faultsSwitch[scope]._faults.Store(faultName, fa)
}
