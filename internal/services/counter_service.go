package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ultramarket/orders-api/internal/repositories"
)

var (
	// ErrCounterInvalidInput marks rejected counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted marks a counter that hit its configured ceiling.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps carries the collaborators for NewCounterService.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time

	mu      sync.Mutex
	applied map[string]string
}

// NewCounterService builds the sequence generator over the counter repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &counterService{
		repo:    deps.Repository,
		clock:   func() time.Time { return clock().UTC() },
		applied: make(map[string]string),
	}, nil
}

func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	scope = strings.TrimSpace(scope)
	name = strings.TrimSpace(name)
	if scope == "" {
		return CounterValue{}, fmt.Errorf("%w: scope is required", ErrCounterInvalidInput)
	}
	if name == "" {
		return CounterValue{}, fmt.Errorf("%w: name is required", ErrCounterInvalidInput)
	}

	id := scope + ":" + name
	if err := s.ensureConfigured(ctx, id, opts); err != nil {
		return CounterValue{}, err
	}

	value, err := s.repo.Next(ctx, id, opts.Step)
	if err != nil {
		return CounterValue{}, translateCounterError(err)
	}

	return CounterValue{
		Value:     value,
		Formatted: formatCounter(s.clock(), value, opts),
	}, nil
}

// NextOrderNumber issues the next order number for the current year, shaped
// as UM-YYYY-NNNNNN.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().Year()
	result, err := s.Next(ctx, "orders", fmt.Sprintf("%04d", year), CounterGenerationOptions{
		Formatter: func(_ time.Time, seq int64) string {
			return fmt.Sprintf("UM-%04d-%06d", year, seq)
		},
	})
	if err != nil {
		return "", err
	}
	return result.Formatted, nil
}

// NextInvoiceNumber issues the next invoice number for the current billing
// month, shaped as INV-YYYYMM-NNNNNN.
func (s *counterService) NextInvoiceNumber(ctx context.Context) (string, error) {
	now := s.clock()
	period := fmt.Sprintf("%04d%02d", now.Year(), int(now.Month()))
	result, err := s.Next(ctx, "invoices", period, CounterGenerationOptions{
		Step:      1,
		Prefix:    "INV-" + period + "-",
		PadLength: 6,
	})
	if err != nil {
		return "", err
	}
	return result.Formatted, nil
}

// ensureConfigured pushes step and bound overrides to the repository once
// per counter and option set, so the hot path skips the Configure round trip.
func (s *counterService) ensureConfigured(ctx context.Context, id string, opts CounterGenerationOptions) error {
	key := configKey(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[id] == key {
		return nil
	}

	if key != "" {
		cfg := repositories.CounterConfig{}
		if opts.Step > 0 {
			cfg.Step = opts.Step
		}
		if opts.MaxValue != nil {
			bound := *opts.MaxValue
			cfg.MaxValue = &bound
		}
		if opts.InitialValue != nil {
			initial := *opts.InitialValue
			cfg.InitialValue = &initial
		}
		if err := s.repo.Configure(ctx, id, cfg); err != nil {
			return err
		}
	}
	s.applied[id] = key
	return nil
}

// configKey encodes the override-carrying options; an empty key means the
// repository defaults apply.
func configKey(opts CounterGenerationOptions) string {
	var b strings.Builder
	if opts.Step > 0 {
		fmt.Fprintf(&b, "step=%d;", opts.Step)
	}
	if opts.MaxValue != nil {
		fmt.Fprintf(&b, "max=%d;", *opts.MaxValue)
	}
	if opts.InitialValue != nil {
		fmt.Fprintf(&b, "init=%d;", *opts.InitialValue)
	}
	return b.String()
}

// translateCounterError converts repository error codes into the sentinels
// callers match with errors.Is.
func translateCounterError(err error) error {
	var repoErr *repositories.CounterError
	if !errors.As(err, &repoErr) {
		return err
	}
	switch repoErr.Code {
	case repositories.CounterErrorInvalidInput:
		return fmt.Errorf("%w: %s", ErrCounterInvalidInput, repoErr.Message)
	case repositories.CounterErrorExhausted:
		return fmt.Errorf("%w: %s", ErrCounterExhausted, repoErr.Message)
	}
	return err
}

func formatCounter(now time.Time, value int64, opts CounterGenerationOptions) string {
	if opts.Formatter != nil {
		return opts.Formatter(now, value)
	}
	digits := strconv.FormatInt(value, 10)
	if opts.PadLength > 0 {
		digits = fmt.Sprintf("%0*d", opts.PadLength, value)
	}
	return opts.Prefix + digits + opts.Suffix
}
