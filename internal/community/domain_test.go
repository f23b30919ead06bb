package community

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberValidate(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	leadership := 11

	base := func() Member {
		return Member{Name: "Ada", Role: "Writer", Description: "Hi", Date: now, LastUpdated: now}
	}

	tests := []struct {
		name    string
		mutate  func(*Member)
		wantErr string
	}{
		{name: "valid", mutate: func(*Member) {}},
		{name: "missing name", mutate: func(m *Member) { m.Name = "  " }, wantErr: "name is required"},
		{name: "long role", mutate: func(m *Member) { m.Role = strings.Repeat("r", 61) }, wantErr: "role must be at most"},
		{name: "approved and rejected", mutate: func(m *Member) {
			m.Approved, m.Rejected = true, true
			m.RejectionDate = &now
		}, wantErr: "both approved and rejected"},
		{name: "rejected without date", mutate: func(m *Member) { m.Rejected = true }, wantErr: "rejection date"},
		{name: "bad avatar", mutate: func(m *Member) { m.Avatar = "ftp://x/y.png" }, wantErr: "avatar must be an http(s) URL"},
		{name: "inline avatar", mutate: func(m *Member) { m.Avatar = "data:image/png;base64,AAAA" }},
		{name: "bad social link", mutate: func(m *Member) { m.Social = &Social{Twitter: "twitter"} }, wantErr: "social.twitter"},
		{name: "score out of range", mutate: func(m *Member) { m.Stats = &Stats{Creativity: 0, Technique: 5, Teamwork: 5} }, wantErr: "stats.creativity"},
		{name: "leadership out of range", mutate: func(m *Member) {
			m.Stats = &Stats{Creativity: 5, Technique: 5, Teamwork: 5, Leadership: &leadership}
		}, wantErr: "stats.leadership"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMemberCloneIsDeep(t *testing.T) {
	lead := 4
	now := time.Now()
	m := Member{
		Social:        &Social{Github: "https://github.com/a"},
		Stats:         &Stats{Creativity: 1, Technique: 1, Teamwork: 1, Leadership: &lead},
		RejectionDate: &now,
	}
	c := m.Clone()
	c.Social.Github = "changed"
	*c.Stats.Leadership = 9
	*c.RejectionDate = now.Add(time.Hour)

	assert.Equal(t, "https://github.com/a", m.Social.Github)
	assert.Equal(t, 4, *m.Stats.Leadership)
	assert.True(t, m.RejectionDate.Equal(now))
}

func TestMemberStatus(t *testing.T) {
	assert.Equal(t, StatusPending, (&Member{}).Status())
	assert.Equal(t, StatusApproved, (&Member{Approved: true}).Status())
	assert.Equal(t, StatusRejected, (&Member{Rejected: true}).Status())
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]MemberStatus{"": "", "all": "", "Pending": StatusPending, " approved ": StatusApproved, "rejected": StatusRejected} {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStatus("banned")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCodeValidity(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	used := now.Add(-time.Minute)

	tests := []struct {
		name string
		code Code
		want bool
	}{
		{"fresh", Code{ExpiresAt: now.Add(time.Hour)}, true},
		{"expired", Code{ExpiresAt: now.Add(-time.Second)}, false},
		{"expires exactly now", Code{ExpiresAt: now}, false},
		{"used", Code{ExpiresAt: now.Add(time.Hour), Used: true, UsedAt: &used}, false},
		{"used and expired", Code{ExpiresAt: now.Add(-time.Hour), Used: true, UsedAt: &used}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.ValidAt(now))
		})
	}
}

func TestCodeValidate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ok := Code{Code: "ABCD1234", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	assert.NoError(t, ok.Validate())

	noExpiry := ok
	noExpiry.ExpiresAt = time.Time{}
	assert.ErrorContains(t, noExpiry.Validate(), "expiresAt is required")

	usedNoTime := ok
	usedNoTime.Used = true
	assert.ErrorContains(t, usedNoTime.Validate(), "usedAt")

	unusedWithUser := ok
	unusedWithUser.UsedBy = "someone"
	assert.ErrorContains(t, unusedWithUser.Validate(), "usage details")

	assert.True(t, (&Code{Used: true}).Frozen())
	assert.False(t, ok.Frozen())
}
