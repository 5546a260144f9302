package persistence

import (
	"testing"
	"time"
)

func TestToEpoch_FarFutureStaysOrdered(t *testing.T) {
	now := time.Now()
	far := time.Unix(1<<40, 0)
	if toEpoch(far) <= toEpoch(now) {
		t.Fatalf("far future epoch %f not after now %f", toEpoch(far), toEpoch(now))
	}
	if got := toEpoch(far); got != float64(int64(1)<<40) {
		t.Fatalf("toEpoch(far) = %f", got)
	}
}

func TestEpochRoundTripKeepsMicroseconds(t *testing.T) {
	in := time.Date(2026, 3, 14, 15, 9, 26, 535897000, time.UTC)
	out := fromEpoch(toEpoch(in))
	if d := out.Sub(in); d > time.Microsecond || d < -time.Microsecond {
		t.Fatalf("round trip drifted by %s: %s -> %s", d, in, out)
	}
}
