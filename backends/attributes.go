package backends

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// DeviceAttributes maps attribute names to values. The values supported are of type string, int64, []int64,
// float32 and bool.
type DeviceAttributes map[string]any

// Validate checks that all values are of a supported type.
func (m DeviceAttributes) Validate() error {
	for key, anyValue := range m {
		switch anyValue.(type) {
		case string, int64, []int64, float32, bool:
		default:
			return errors.Errorf("device attribute %q was set to unsupported type %T (value=%v). "+
				"Only values of type string, int64, []int64, float32 and bool are supported.",
				key, anyValue, anyValue)
		}
	}
	return nil
}

// Clone returns a deep copy, so the attributes of a device can't be changed through it.
func (m DeviceAttributes) Clone() DeviceAttributes {
	c := maps.Clone(m)
	if c == nil {
		c = make(DeviceAttributes)
	}
	for key, value := range c {
		if list, ok := value.([]int64); ok {
			c[key] = slices.Clone(list)
		}
	}
	return c
}

// String implements fmt.Stringer, with keys sorted.
func (m DeviceAttributes) String() string {
	keys := slices.Sorted(maps.Keys(m))
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, m[key]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
