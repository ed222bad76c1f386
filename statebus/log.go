package statebus

// Logging convention in the `statebus` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - outbound queue overflow and high watermark crossings
//     - encode/decode failures for single items
//     - abnormal exits
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - per tick compile summaries with ids that can be used to filter
//     - frequent events - e.g. subscribe, mutate, batch send - tagged with a
//       short bracket prefix: [c] compiler, [cs] client store, [m] mutation,
//       [mon] monitor, [q] query, [s] subscription, [t] transport,
//       [tw] websocket transport, [w] wire

import (
	"fmt"

	"github.com/golang/glog"
)

// wraps a callback to recover and log a panic instead of crashing the tick
func HandleError(do func(), handlers ...func(err error)) {
	defer func() {
		if r := recover(); r != nil {
			var err error
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
			glog.Errorf("unexpected panic = %s\n", err)
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
}
