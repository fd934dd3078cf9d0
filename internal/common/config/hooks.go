package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		QuantityDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

func QuantityDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(resource.Quantity{}) {
			return data, nil
		}
		return resource.ParseQuantity(fmt.Sprintf("%v", data))
	}
}

// FormatSlurmTime renders a duration in the [days-]hours:minutes:seconds form accepted by --time.
func FormatSlurmTime(d time.Duration) string {
	total := int64(d.Round(time.Second) / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// ParseSlurmTime parses the time limit formats printed by squeue: "MM", "MM:SS", "HH:MM:SS",
// "D-HH", "D-HH:MM" and "D-HH:MM:SS". "UNLIMITED" and "INVALID" yield zero.
func ParseSlurmTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "UNLIMITED" || s == "INVALID" || s == "NOT_SET" {
		return 0, nil
	}
	days := 0
	rest := s
	hasDays := false
	if idx := strings.Index(s, "-"); idx != -1 {
		if _, err := fmt.Sscanf(s[:idx], "%d", &days); err != nil {
			return 0, fmt.Errorf("invalid time limit %q", s)
		}
		rest = s[idx+1:]
		hasDays = true
	}
	parts := strings.Split(rest, ":")
	values := make([]int, len(parts))
	for i, p := range parts {
		if _, err := fmt.Sscanf(p, "%d", &values[i]); err != nil {
			return 0, fmt.Errorf("invalid time limit %q", s)
		}
	}
	var h, m, sec int
	switch {
	case hasDays && len(values) == 1:
		h = values[0]
	case hasDays && len(values) == 2:
		h, m = values[0], values[1]
	case len(values) == 1:
		m = values[0]
	case len(values) == 2:
		m, sec = values[0], values[1]
	case len(values) == 3:
		h, m, sec = values[0], values[1], values[2]
	default:
		return 0, fmt.Errorf("invalid time limit %q", s)
	}
	return time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second, nil
}
