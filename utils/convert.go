package utils

import (
	"fmt"
	"math/big"
	"time"
)

var nanosPerMilli = big.NewInt(int64(time.Millisecond))

// NanosToMillis converts a decimal nanosecond timestamp to milliseconds, rounding down.
func NanosToMillis(ns string) (int64, error) {
	v, ok := new(big.Int).SetString(ns, 10)
	if !ok {
		return 0, fmt.Errorf("invalid nanosecond timestamp %q", ns)
	}

	ms := new(big.Int).Div(v, nanosPerMilli)
	if !ms.IsInt64() {
		return 0, fmt.Errorf("timestamp %q out of range", ns)
	}

	return ms.Int64(), nil
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}
