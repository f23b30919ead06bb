// internal/community/implementation.go
package community

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"memberboard/internal/tiered"
)

const codeAttempts = 3

// Options configures the community service.
type Options struct {
	// CodeTTL is the lifetime of an issued code when none is requested.
	CodeTTL time.Duration
	// SubmitRate and SubmitBurst bound anonymous submissions without a code.
	SubmitRate  rate.Limit
	SubmitBurst int
	Logger      *slog.Logger
	Now         func() time.Time
}

// service implements the Service interface.
type service struct {
	members     Records[Member]
	codes       Records[Code]
	rateLimiter *rate.Limiter
	codeTTL     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new community service over the member and code accessors.
func NewService(members Records[Member], codes Records[Code], opts Options) Service {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 24 * time.Hour
	}
	if opts.SubmitRate == 0 {
		opts.SubmitRate = rate.Every(1 * time.Minute)
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &service{
		members:     members,
		codes:       codes,
		rateLimiter: rate.NewLimiter(opts.SubmitRate, opts.SubmitBurst),
		codeTTL:     opts.CodeTTL,
		logger:      opts.Logger.With("component", "community"),
		now:         opts.Now,
	}
}

// SubmitMember creates an unapproved member from a public submission.
func (s *service) SubmitMember(ctx context.Context, req SubmitMemberRequest) (*Member, tiered.WriteResult, error) {
	member := Member{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Role:        strings.TrimSpace(req.Role),
		Description: strings.TrimSpace(req.Description),
		Avatar:      strings.TrimSpace(req.Avatar),
		Banner:      strings.TrimSpace(req.Banner),
		Social:      req.Social,
		Stats:       req.Stats,
	}

	// Reject a bad profile before it can spend a code or a limiter token.
	check := member.Clone()
	check.Touch(s.now().UTC(), true)
	if err := check.Validate(); err != nil {
		return nil, tiered.WriteResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	code := normalizeCode(req.Code)
	if code != "" {
		if err := s.usableCode(ctx, code); err != nil {
			return nil, tiered.WriteResult{}, err
		}
	} else if !s.rateLimiter.Allow() {
		return nil, tiered.WriteResult{}, ErrRateLimited
	}

	created, res, err := s.members.Create(ctx, member)
	if err != nil {
		return nil, tiered.WriteResult{}, fmt.Errorf("failed to create member: %w", err)
	}

	// The code is spent only once the member exists. A submission that
	// loses the race for it takes its member back out.
	if code != "" {
		if _, _, err := s.ConsumeCode(ctx, code, created.ID); err != nil {
			if !s.members.Delete(ctx, created.ID) {
				s.logger.WarnContext(ctx, "could not withdraw member after code was refused",
					"member_id", created.ID, "error", err)
			}
			return nil, tiered.WriteResult{}, err
		}
	}
	if !res.Durable() {
		s.logger.WarnContext(ctx, "member submission held in memory only", "member_id", created.ID)
	}
	return &created, res, nil
}

// ListMembers returns members newest first, optionally filtered by status.
func (s *service) ListMembers(ctx context.Context, status MemberStatus) []Member {
	all := s.members.GetAll(ctx)
	out := make([]Member, 0, len(all))
	for _, m := range all {
		if status == "" || m.Status() == status {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetMember retrieves a member by ID.
func (s *service) GetMember(ctx context.Context, id string) (*Member, error) {
	m, ok, err := s.members.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read member: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: member %q", ErrNotFound, id)
	}
	return &m, nil
}

// UpdateMember applies a partial profile update. Moderation fields are not
// reachable through it.
func (s *service) UpdateMember(ctx context.Context, id string, req UpdateMemberRequest) (*Member, tiered.WriteResult, error) {
	return s.patchMember(ctx, id, func(m *Member) error {
		if req.Name != nil {
			m.Name = strings.TrimSpace(*req.Name)
		}
		if req.Role != nil {
			m.Role = strings.TrimSpace(*req.Role)
		}
		if req.Description != nil {
			m.Description = strings.TrimSpace(*req.Description)
		}
		if req.Avatar != nil {
			m.Avatar = strings.TrimSpace(*req.Avatar)
		}
		if req.Banner != nil {
			m.Banner = strings.TrimSpace(*req.Banner)
		}
		if req.Social != nil {
			social := *req.Social
			m.Social = &social
		}
		if req.Stats != nil {
			stats := *req.Stats
			m.Stats = &stats
		}
		return nil
	})
}

// ApproveMember marks a member approved and clears any rejection.
func (s *service) ApproveMember(ctx context.Context, id string) (*Member, tiered.WriteResult, error) {
	return s.patchMember(ctx, id, func(m *Member) error {
		m.Approved = true
		m.Rejected = false
		m.RejectionDate = nil
		return nil
	})
}

// RejectMember marks a member rejected and records when.
func (s *service) RejectMember(ctx context.Context, id string) (*Member, tiered.WriteResult, error) {
	return s.patchMember(ctx, id, func(m *Member) error {
		now := s.now().UTC().Truncate(time.Microsecond)
		m.Approved = false
		m.Rejected = true
		m.RejectionDate = &now
		return nil
	})
}

func (s *service) patchMember(ctx context.Context, id string, patch func(*Member) error) (*Member, tiered.WriteResult, error) {
	m, res, err := s.members.Update(ctx, id, patch)
	if err != nil {
		return nil, tiered.WriteResult{}, fmt.Errorf("failed to update member: %w", err)
	}
	return &m, res, nil
}

// DeleteMember removes a member and reports whether any tier held it.
func (s *service) DeleteMember(ctx context.Context, id string) bool {
	return s.members.Delete(ctx, id)
}

// IssueCode creates a new single-use code valid for ttl, or the default
// lifetime when ttl is not positive.
func (s *service) IssueCode(ctx context.Context, ttl time.Duration) (*Code, tiered.WriteResult, error) {
	if ttl <= 0 {
		ttl = s.codeTTL
	}

	var lastErr error
	for range codeAttempts {
		value, err := generateCode()
		if err != nil {
			return nil, tiered.WriteResult{}, fmt.Errorf("failed to generate code: %w", err)
		}
		now := s.now().UTC().Truncate(time.Microsecond)
		created, res, err := s.codes.Create(ctx, Code{
			Code:      value,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		})
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, tiered.WriteResult{}, fmt.Errorf("failed to create code: %w", err)
		}
		return &created, res, nil
	}
	return nil, tiered.WriteResult{}, fmt.Errorf("failed to create a unique code: %w", lastErr)
}

// ListCodes returns codes newest first.
func (s *service) ListCodes(ctx context.Context) []Code {
	codes := s.codes.GetAll(ctx)
	sort.SliceStable(codes, func(i, j int) bool {
		if !codes[i].CreatedAt.Equal(codes[j].CreatedAt) {
			return codes[i].CreatedAt.After(codes[j].CreatedAt)
		}
		return codes[i].Code < codes[j].Code
	})
	return codes
}

func (s *service) GetCode(ctx context.Context, code string) (*Code, error) {
	c, ok, err := s.codes.Lookup(ctx, normalizeCode(code))
	if err != nil {
		return nil, fmt.Errorf("failed to read code: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: code %q", ErrNotFound, code)
	}
	return &c, nil
}

// CheckCode reports whether code exists and can still be consumed.
func (s *service) CheckCode(ctx context.Context, code string) bool {
	c, ok := s.codes.GetByID(ctx, normalizeCode(code))
	return ok && c.ValidAt(s.now())
}

// usableCode reports why code cannot be consumed right now, using the same
// errors as ConsumeCode.
func (s *service) usableCode(ctx context.Context, code string) error {
	c, ok, err := s.codes.Lookup(ctx, code)
	switch {
	case err != nil:
		return fmt.Errorf("failed to read code: %w", err)
	case !ok:
		return fmt.Errorf("%w: code %q", ErrNotFound, code)
	case c.Used:
		return fmt.Errorf("%w: %s", ErrCodeUsed, code)
	case !c.ValidAt(s.now()):
		return fmt.Errorf("%w: %s", ErrCodeExpired, code)
	}
	return nil
}

// ConsumeCode marks code used by usedBy. A used or expired code is rejected.
func (s *service) ConsumeCode(ctx context.Context, code, usedBy string) (*Code, tiered.WriteResult, error) {
	code = normalizeCode(code)
	c, res, err := s.codes.Update(ctx, code, func(c *Code) error {
		now := s.now().UTC().Truncate(time.Microsecond)
		if c.Used {
			return fmt.Errorf("%w: %s", ErrCodeUsed, c.Code)
		}
		if !c.ExpiresAt.After(now) {
			return fmt.Errorf("%w: %s", ErrCodeExpired, c.Code)
		}
		c.Used = true
		c.UsedAt = &now
		c.UsedBy = usedBy
		return nil
	})
	switch {
	case errors.Is(err, tiered.ErrImmutable):
		return nil, tiered.WriteResult{}, fmt.Errorf("%w: %s", ErrCodeUsed, code)
	case err != nil:
		return nil, tiered.WriteResult{}, fmt.Errorf("failed to consume code: %w", err)
	}
	return &c, res, nil
}

func (s *service) DeleteCode(ctx context.Context, code string) bool {
	return s.codes.Delete(ctx, normalizeCode(code))
}

func (s *service) Health(ctx context.Context) []tiered.Health {
	return []tiered.Health{s.members.Health(ctx), s.codes.Health(ctx)}
}

// generateCode returns eight uppercase hex characters.
func generateCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
