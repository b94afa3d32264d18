package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New()
	assert.True(t, IsValid(id), "generated id %q should be a v4 UUID", id)
}

func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, ids[id], "duplicate UUID generated: %s", id)
		ids[id] = true
	}
}

func TestEnsure(t *testing.T) {
	assert.Equal(t, "note-1", Ensure("note-1"))
	assert.True(t, IsValid(Ensure("")))
	assert.True(t, IsValid(Ensure("   ")))
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"v4 lowercase", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty", "", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"braced", "{f47ac10b-58cc-4372-a567-0e02b2c3d479}", false},
		{"v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"garbage", "not-a-uuid-at-all-not-a-uuid-at-all!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.in))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(New()))
	assert.Error(t, Validate("nope"))
}

func TestDeviceID(t *testing.T) {
	assert.Equal(t, "tablet-7", DeviceID("tablet-7", "host-a"))
	assert.Equal(t, DeviceID("", "host-a"), DeviceID("", "host-a"))
	assert.NotEqual(t, DeviceID("", "host-a"), DeviceID("", "host-b"))
	assert.True(t, IsValid(DeviceID("", "")))
}
