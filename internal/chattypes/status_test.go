package chattypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMessageStatus_RoundTrip(t *testing.T) {
	for _, s := range []MessageStatus{StatusSent, StatusDelivered, StatusRead} {
		parsed, err := ParseMessageStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
}

func TestParseMessageStatus_UnknownTagFailsLoudly(t *testing.T) {
	// 无法识别的标签必须报错，静默回退到 sent 会掩盖数据损坏
	for _, tag := range []string{"", "SENT", "seen", "pending"} {
		_, err := ParseMessageStatus(tag)
		require.Error(t, err, "tag %q", tag)
	}
}

func TestCanAdvanceTo_MonotonicOnly(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusRead, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusSent, false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, tc.from.CanAdvanceTo(tc.to), "%s → %s", tc.from, tc.to)
	}
}
