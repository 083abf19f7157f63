package live

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `live` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time connection data that is useful for monitoring
//     this includes:
//     - dropped or expired changes and subscriber back pressure
//     - reconnects and rollbacks
// Error:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key state changes with ids that can be used to filter
//     - connection state transitions
//     - confirmed and rejected operations
// V(2):
//     every event and reconciliation outcome

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}
