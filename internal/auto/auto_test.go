package auto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateATMStrike_RoundsToNearestIncrement(t *testing.T) {
	assert.Equal(t, 24200, CalculateATMStrike(24248.75, 50))
	assert.Equal(t, 24250, CalculateATMStrike(24251.00, 50))
	assert.Equal(t, 24300, CalculateATMStrike(24275.00, 50))
}

func TestFindNearestExpiry_PicksSoonestFuture(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 16, 0, 0, time.UTC)
	expiries := []string{"28-JAN-26", "06-FEB-26", "13-FEB-26"}

	token, err := FindNearestExpiry(expiries, now)
	assert.NoError(t, err)
	assert.Equal(t, "06FEB26", token)
}

func TestFindNearestExpiry_NoFutureExpiriesErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 16, 0, 0, time.UTC)
	_, err := FindNearestExpiry([]string{"28-JAN-26"}, now)
	assert.Error(t, err)
}
