package twilio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// ErrNumberNotOwned is returned when the account does not own the requested number.
var ErrNumberNotOwned = errors.New("phone number not owned by twilio account")

// ErrDisabled is returned when the service has no credentials.
var ErrDisabled = errors.New("twilio number service is disabled")

// NumberService looks up incoming phone numbers on a Twilio account.
// Lookups are cached because the set of owned numbers changes rarely.
type NumberService struct {
	client     *twilio.RestClient
	enabled    bool
	accountSID string
	authToken  string
	ttl        time.Duration

	mutex sync.RWMutex
	owned map[string]ownedNumber
}

type ownedNumber struct {
	sid       string
	fetchedAt time.Time
}

// NewNumberService creates a number lookup service.
// If accountSID or authToken is empty, the service will be disabled
func NewNumberService(accountSID, authToken string) *NumberService {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, number verification disabled")
		return &NumberService{enabled: false}
	}

	return &NumberService{
		client:     twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		enabled:    true,
		accountSID: accountSID,
		authToken:  authToken,
		ttl:        10 * time.Minute,
		owned:      make(map[string]ownedNumber),
	}
}

// IsEnabled returns whether the service is enabled
func (s *NumberService) IsEnabled() bool {
	return s != nil && s.enabled
}

// Credentials returns the account credentials, used as SIP trunk auth.
func (s *NumberService) Credentials() (string, string) {
	return s.accountSID, s.authToken
}

// VerifyNumber checks that phoneNumber is an incoming number on the account and returns its SID.
func (s *NumberService) VerifyNumber(ctx context.Context, phoneNumber string) (string, error) {
	if !s.IsEnabled() {
		return "", ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mutex.RLock()
	cached, ok := s.owned[phoneNumber]
	s.mutex.RUnlock()
	if ok && time.Since(cached.fetchedAt) < s.ttl {
		return cached.sid, nil
	}

	params := &api.ListIncomingPhoneNumberParams{}
	params.SetPhoneNumber(phoneNumber)
	params.SetLimit(1)

	numbers, err := s.client.Api.ListIncomingPhoneNumber(params)
	if err != nil {
		logger.Base().Error("Failed to list Twilio incoming numbers", zap.String("phone_number", phoneNumber), zap.Error(err))
		return "", fmt.Errorf("list incoming numbers: %w", err)
	}
	for _, n := range numbers {
		if n.PhoneNumber != nil && *n.PhoneNumber == phoneNumber && n.Sid != nil {
			s.mutex.Lock()
			s.owned[phoneNumber] = ownedNumber{sid: *n.Sid, fetchedAt: time.Now()}
			s.mutex.Unlock()

			logger.Base().Info("Twilio number verified", zap.String("phone_number", phoneNumber), zap.String("sid", *n.Sid))
			return *n.Sid, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNumberNotOwned, phoneNumber)
}
