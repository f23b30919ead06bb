// internal/community/domain.go
package community

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// MemberStatus is the moderation state derived from the approved/rejected flags.
type MemberStatus string

const (
	StatusPending  MemberStatus = "pending"
	StatusApproved MemberStatus = "approved"
	StatusRejected MemberStatus = "rejected"
)

// ParseStatus parses a status filter. The empty string and "all" select
// every member and yield "".
func ParseStatus(s string) (MemberStatus, error) {
	switch v := MemberStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case "", "all":
		return "", nil
	case StatusPending, StatusApproved, StatusRejected:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
}

// Social holds optional profile links.
type Social struct {
	Instagram string `json:"instagram,omitempty"`
	Twitter   string `json:"twitter,omitempty"`
	Github    string `json:"github,omitempty"`
}

// Stats are self-assessed scores between 1 and 10. Leadership is optional.
type Stats struct {
	Creativity int  `json:"creativity"`
	Technique  int  `json:"technique"`
	Teamwork   int  `json:"teamwork"`
	Leadership *int `json:"leadership,omitempty"`
}

// Member is a community profile.
type Member struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Description   string     `json:"description"`
	Avatar        string     `json:"avatar,omitempty"`
	Banner        string     `json:"banner,omitempty"`
	Approved      bool       `json:"approved"`
	Rejected      bool       `json:"rejected"`
	RejectionDate *time.Time `json:"rejectionDate,omitempty"`
	Date          time.Time  `json:"date"`
	LastUpdated   time.Time  `json:"lastUpdated"`
	Social        *Social    `json:"social,omitempty"`
	Stats         *Stats     `json:"stats,omitempty"`
}

func (m *Member) Key() string { return m.ID }
func (m *Member) SetKey(key string) { m.ID = key }
func (m *Member) Updated() time.Time { return m.LastUpdated }

func (m *Member) Touch(now time.Time, created bool) {
	if created && m.Date.IsZero() {
		m.Date = now
	}
	m.LastUpdated = now
}

func (m *Member) Status() MemberStatus {
	switch {
	case m.Approved:
		return StatusApproved
	case m.Rejected:
		return StatusRejected
	}
	return StatusPending
}

// Clone returns a deep copy.
func (m *Member) Clone() Member {
	c := *m
	if m.RejectionDate != nil {
		d := *m.RejectionDate
		c.RejectionDate = &d
	}
	if m.Social != nil {
		s := *m.Social
		c.Social = &s
	}
	if m.Stats != nil {
		s := *m.Stats
		if m.Stats.Leadership != nil {
			l := *m.Stats.Leadership
			s.Leadership = &l
		}
		c.Stats = &s
	}
	return c
}

const (
	maxNameLen        = 80
	maxRoleLen        = 60
	maxDescriptionLen = 2000
	maxImageLen       = 2 << 20
)

func (m *Member) Validate() error {
	var errs []error
	errs = append(errs, checkText("name", m.Name, maxNameLen))
	errs = append(errs, checkText("role", m.Role, maxRoleLen))
	errs = append(errs, checkText("description", m.Description, maxDescriptionLen))
	errs = append(errs, checkImage("avatar", m.Avatar))
	errs = append(errs, checkImage("banner", m.Banner))

	if m.Approved && m.Rejected {
		errs = append(errs, errors.New("member cannot be both approved and rejected"))
	}
	if m.Rejected && m.RejectionDate == nil {
		errs = append(errs, errors.New("rejected member needs a rejection date"))
	}
	if m.Social != nil {
		errs = append(errs,
			checkLink("social.instagram", m.Social.Instagram),
			checkLink("social.twitter", m.Social.Twitter),
			checkLink("social.github", m.Social.Github),
		)
	}
	if m.Stats != nil {
		errs = append(errs,
			checkScore("stats.creativity", m.Stats.Creativity),
			checkScore("stats.technique", m.Stats.Technique),
			checkScore("stats.teamwork", m.Stats.Teamwork),
		)
		if m.Stats.Leadership != nil {
			errs = append(errs, checkScore("stats.leadership", *m.Stats.Leadership))
		}
	}
	return errors.Join(errs...)
}

func checkText(field, value string, limit int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	switch {
	case n == 0:
		return fmt.Errorf("%s is required", field)
	case n > limit:
		return fmt.Errorf("%s must be at most %d characters", field, limit)
	}
	return nil
}

// checkImage accepts an http(s) URL or an inline data:image URI.
func checkImage(field, value string) error {
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "data:image/") {
		if len(value) > maxImageLen {
			return fmt.Errorf("%s is too large", field)
		}
		return nil
	}
	return checkLink(field, value)
}

func checkLink(field, value string) error {
	if value == "" {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL", field)
	}
	return nil
}

func checkScore(field string, v int) error {
	if v < 1 || v > 10 {
		return fmt.Errorf("%s must be between 1 and 10", field)
	}
	return nil
}

// Code is a single-use registration token.
type Code struct {
	Code        string     `json:"code"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Used        bool       `json:"used"`
	UsedAt      *time.Time `json:"usedAt,omitempty"`
	UsedBy      string     `json:"usedBy,omitempty"`
	LastUpdated time.Time  `json:"lastUpdated"`
}

func (c *Code) Key() string { return c.Code }
func (c *Code) SetKey(key string) { c.Code = key }
func (c *Code) Updated() time.Time { return c.LastUpdated }

// Frozen reports whether the code has been consumed. A consumed code can
// only be deleted.
func (c *Code) Frozen() bool { return c.Used }

func (c *Code) Touch(now time.Time, created bool) {
	if created && c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.LastUpdated = now
}

func (c *Code) Clone() Code {
	cp := *c
	if c.UsedAt != nil {
		t := *c.UsedAt
		cp.UsedAt = &t
	}
	return cp
}

func (c *Code) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Code) == "" {
		errs = append(errs, errors.New("code is required"))
	}
	if c.ExpiresAt.IsZero() {
		errs = append(errs, errors.New("expiresAt is required"))
	} else if !c.ExpiresAt.After(c.CreatedAt) {
		errs = append(errs, errors.New("expiresAt must be after createdAt"))
	}
	if c.Used && c.UsedAt == nil {
		errs = append(errs, errors.New("used code needs usedAt"))
	}
	if !c.Used && (c.UsedAt != nil || c.UsedBy != "") {
		errs = append(errs, errors.New("unused code cannot carry usage details"))
	}
	return errors.Join(errs...)
}

// ValidAt reports whether the code can be consumed at now.
func (c *Code) ValidAt(now time.Time) bool {
	return !c.Used && c.ExpiresAt.After(now)
}
