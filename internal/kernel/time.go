package kernel

import "time"

// nowMillis returns the current time as epoch milliseconds (spec ยง3.1
// "createdAt, modifiedAt (epoch ms)").
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
