package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/services"
)

var (
	// ErrUnsupportedProvider is returned when the manager has no parser for the source.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidSignature reports a payload whose signature could not be verified.
	ErrInvalidSignature = errors.New("payments: invalid signature")
	// ErrInvalidPayload reports a payload that verified but could not be decoded.
	ErrInvalidPayload = errors.New("payments: invalid payload")
)

// Event is a verified provider notification. Ignored events carry no confirmation.
type Event struct {
	ID           string
	Type         string
	Provider     string
	Ignored      bool
	Confirmation services.PaymentConfirmation
}

// EventParser verifies and decodes one provider's notifications.
type EventParser interface {
	Parse(ctx context.Context, payload []byte, headers http.Header) (Event, error)
}

// EventParserFunc adapts a function to EventParser.
type EventParserFunc func(ctx context.Context, payload []byte, headers http.Header) (Event, error)

// Parse implements EventParser.
func (f EventParserFunc) Parse(ctx context.Context, payload []byte, headers http.Header) (Event, error) {
	return f(ctx, payload, headers)
}

// Manager routes notifications to the parser registered for their source.
type Manager struct {
	parsers map[string]EventParser
}

// NewManager constructs a Manager over the supplied parsers keyed by source name.
func NewManager(parsers map[string]EventParser) (*Manager, error) {
	if len(parsers) == 0 {
		return nil, errors.New("payments: at least one parser is required")
	}
	copyMap := make(map[string]EventParser, len(parsers))
	for k, v := range parsers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid parser registration for key %q", k)
		}
		copyMap[key] = v
	}
	return &Manager{parsers: copyMap}, nil
}

// Parse verifies and decodes a notification from source.
func (m *Manager) Parse(ctx context.Context, source string, payload []byte, headers http.Header) (Event, error) {
	if m == nil {
		return Event{}, errors.New("payments: manager is nil")
	}
	parser, ok := m.parsers[strings.TrimSpace(strings.ToLower(source))]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, source)
	}
	return parser.Parse(ctx, payload, headers)
}

// Sources lists the registered source names.
func (m *Manager) Sources() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.parsers))
	for key := range m.parsers {
		out = append(out, key)
	}
	return out
}

// FromMinorUnits converts a provider amount in minor units using the ISO 4217 scale of code.
func FromMinorUnits(amount int64, code string) (domain.Money, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return domain.Money{}, fmt.Errorf("%w: currency %q", ErrInvalidPayload, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return decimal.New(amount, -int32(scale)), nil
}
