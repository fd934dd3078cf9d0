package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestCustomHooks(t *testing.T) {
	type settings struct {
		Reserved    resource.Quantity
		LockTimeout time.Duration
		Dirs        []string
	}
	v := viper.New()
	v.Set("reserved", "4Gi")
	v.Set("lockTimeout", "15s")
	v.Set("dirs", "/tmp,/dev/shm")

	var s settings
	require.NoError(t, v.Unmarshal(&s, CustomHooks...))
	assert.Equal(t, int64(4*1024*1024*1024), s.Reserved.Value())
	assert.Equal(t, 15*time.Second, s.LockTimeout)
	assert.Equal(t, []string{"/tmp", "/dev/shm"}, s.Dirs)
}

func TestFormatSlurmTime(t *testing.T) {
	tests := map[string]struct {
		d        time.Duration
		expected string
	}{
		"minutes":        {d: 90 * time.Minute, expected: "01:30:00"},
		"seconds":        {d: 45 * time.Second, expected: "00:00:45"},
		"days":           {d: 26*time.Hour + 30*time.Minute, expected: "1-02:30:00"},
		"nearest second": {d: 1500 * time.Millisecond, expected: "00:00:02"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, FormatSlurmTime(tc.d))
		})
	}
}

func TestParseSlurmTime(t *testing.T) {
	tests := map[string]struct {
		s        string
		expected time.Duration
	}{
		"MM":         {s: "30", expected: 30 * time.Minute},
		"MM:SS":      {s: "30:15", expected: 30*time.Minute + 15*time.Second},
		"HH:MM:SS":   {s: "04:00:00", expected: 4 * time.Hour},
		"D-HH":       {s: "2-03", expected: 51 * time.Hour},
		"D-HH:MM":    {s: "1-00:30", expected: 24*time.Hour + 30*time.Minute},
		"D-HH:MM:SS": {s: "2-00:30:00", expected: 48*time.Hour + 30*time.Minute},
		"UNLIMITED":  {s: "UNLIMITED", expected: 0},
		"empty":      {s: " ", expected: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d, err := ParseSlurmTime(tc.s)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, d)
		})
	}

	for _, invalid := range []string{"x", "1:2:3:4", "a-01:00:00", "1-2:3:4:5"} {
		_, err := ParseSlurmTime(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestFormatSlurmTime_RoundTrip(t *testing.T) {
	for _, d := range []time.Duration{time.Minute, 36 * time.Hour, 100*time.Hour + 59*time.Second} {
		parsed, err := ParseSlurmTime(FormatSlurmTime(d))
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
}
