package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	_, err := NewLeasePolicy(0, 0)
	require.ErrorIs(t, err, ErrInvalidDefaultLease)

	p, err := NewLeasePolicy(30*time.Second, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, p.Default())
}

func TestLeasePolicy_Resolve(t *testing.T) {
	p, err := NewLeasePolicy(30*time.Second, 5*time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		request time.Duration
		seconds int
		source  LeaseSource
	}{
		{"zero uses default", 0, 30, LeaseSourceDefault},
		{"explicit", 90 * time.Second, 90, LeaseSourceExplicit},
		{"sub-second clamps up", 200 * time.Millisecond, 1, LeaseSourceClamped},
		{"negative clamps up", -time.Second, 1, LeaseSourceClamped},
		{"above max clamps down", time.Hour, 300, LeaseSourceClamped},
		{"fractional truncates", 1500 * time.Millisecond, 1, LeaseSourceExplicit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Resolve(tt.request)
			assert.Equal(t, tt.seconds, d.Seconds)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, time.Duration(tt.seconds)*time.Second, d.Duration())
			assert.Equal(t, tt.request, d.Requested)
			assert.Equal(t, tt.source == LeaseSourceClamped, d.Clamped())
		})
	}
}

func TestLeasePolicy_NilIsDefaultZero(t *testing.T) {
	var p *LeasePolicy
	d := p.Resolve(time.Minute)
	assert.True(t, d.UsedDefault())
	assert.Zero(t, d.Seconds)
}
