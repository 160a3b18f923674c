package twilio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumberServiceDisabledWithoutCredentials(t *testing.T) {
	s := NewNumberService("", "")
	assert.False(t, s.IsEnabled())

	_, err := s.VerifyNumber(context.Background(), "+15551234567")
	assert.ErrorIs(t, err, ErrDisabled)

	var nilSvc *NumberService
	assert.False(t, nilSvc.IsEnabled())
}

func TestNumberServiceCredentials(t *testing.T) {
	s := NewNumberService("AC123", "token")
	assert.True(t, s.IsEnabled())
	sid, tok := s.Credentials()
	assert.Equal(t, "AC123", sid)
	assert.Equal(t, "token", tok)
}

func TestNumberServiceHonorsCanceledContext(t *testing.T) {
	s := NewNumberService("AC123", "token")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.VerifyNumber(ctx, "+15551234567")
	assert.ErrorIs(t, err, context.Canceled)
}
