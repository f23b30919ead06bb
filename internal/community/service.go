// internal/community/service.go
package community

import (
	"context"
	"errors"
	"time"

	"memberboard/internal/tiered"
)

var (
	ErrCodeUsed     = errors.New("code already used")
	ErrCodeExpired  = errors.New("code expired")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrUnauthorized = errors.New("unauthorized")

	ErrNotFound     = tiered.ErrNotFound
	ErrInvalidInput = tiered.ErrInvalid
	ErrConflict     = tiered.ErrConflict
)

// SubmitMemberRequest is a public profile submission. A valid Code skips the
// submission rate limit and is consumed by the new member.
type SubmitMemberRequest struct {
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Description string  `json:"description"`
	Avatar      string  `json:"avatar,omitempty"`
	Banner      string  `json:"banner,omitempty"`
	Social      *Social `json:"social,omitempty"`
	Stats       *Stats  `json:"stats,omitempty"`
	Code        string  `json:"code,omitempty"`
}

// UpdateMemberRequest is a partial profile update. Nil fields are left as is.
type UpdateMemberRequest struct {
	Name        *string `json:"name,omitempty"`
	Role        *string `json:"role,omitempty"`
	Description *string `json:"description,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	Banner      *string `json:"banner,omitempty"`
	Social      *Social `json:"social,omitempty"`
	Stats       *Stats  `json:"stats,omitempty"`
}

// Service defines the interface for the community service.
type Service interface {
	SubmitMember(ctx context.Context, req SubmitMemberRequest) (*Member, tiered.WriteResult, error)
	ListMembers(ctx context.Context, status MemberStatus) []Member
	GetMember(ctx context.Context, id string) (*Member, error)
	UpdateMember(ctx context.Context, id string, req UpdateMemberRequest) (*Member, tiered.WriteResult, error)
	ApproveMember(ctx context.Context, id string) (*Member, tiered.WriteResult, error)
	RejectMember(ctx context.Context, id string) (*Member, tiered.WriteResult, error)
	DeleteMember(ctx context.Context, id string) bool

	IssueCode(ctx context.Context, ttl time.Duration) (*Code, tiered.WriteResult, error)
	ListCodes(ctx context.Context) []Code
	GetCode(ctx context.Context, code string) (*Code, error)
	CheckCode(ctx context.Context, code string) bool
	ConsumeCode(ctx context.Context, code, usedBy string) (*Code, tiered.WriteResult, error)
	DeleteCode(ctx context.Context, code string) bool

	Health(ctx context.Context) []tiered.Health
}

// Records is the accessor contract the service needs for one record kind.
type Records[T any] interface {
	GetAll(ctx context.Context) []T
	GetByID(ctx context.Context, key string) (T, bool)
	Lookup(ctx context.Context, key string) (T, bool, error)
	Create(ctx context.Context, rec T) (T, tiered.WriteResult, error)
	Update(ctx context.Context, key string, patch func(*T) error) (T, tiered.WriteResult, error)
	Delete(ctx context.Context, key string) bool
	Health(ctx context.Context) tiered.Health
}
