package mailing

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betterbobcats/email-outbox/internal/domain"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(RendererOptions{})
	require.NoError(t, err)
	return r
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func eventPayload(snippet string) map[string]interface{} {
	return map[string]interface{}{
		"request_id":                  "req-1",
		"request_description_snippet": snippet,
		"event_id":                    "evt-1",
		"event_title":                 "Intro to Go",
		"club_name":                   "Chess Club",
		"club_slug":                   "chess",
		"starts_at":                   "2026-03-01T18:00:00Z",
		"location_name":               nil,
		"location_type":               "online",
		"event_url":                   "https://bobcats.example/events/evt-1",
	}
}

func TestNewRenderer_ParsesEveryTemplate(t *testing.T) {
	r := newTestRenderer(t)
	for _, name := range domain.KnownTemplates() {
		_, ok := r.templates[name]
		assert.True(t, ok, name)
	}
}

func TestRender_ClubApproved(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.Render(domain.TemplateClubApproved, mustJSON(t, map[string]string{
		"club_name":     "Chess Club",
		"club_slug":     "chess",
		"club_id":       "c-1",
		"dashboard_url": "https://bobcats.example/dashboard",
	}))
	require.NoError(t, err)

	assert.Equal(t, `Your club "Chess Club" has been approved!`, out.Subject)
	assert.Contains(t, out.HTML, `href="https://bobcats.example/dashboard/chess"`)
	assert.Contains(t, out.HTML, "<strong>Chess Club</strong>")
	assert.Contains(t, out.HTML, "BetterBobcats Team")
	assert.True(t, strings.HasPrefix(out.Text, "Club Approved!"))
	assert.Contains(t, out.Text, "https://bobcats.example/dashboard/chess")
	assert.True(t, strings.HasSuffix(out.Text, "BetterBobcats Team"))
}

func TestRender_ClubRejected_ReasonIsOptional(t *testing.T) {
	r := newTestRenderer(t)

	withReason, err := r.Render(domain.TemplateClubRejected, mustJSON(t, map[string]string{
		"club_name":        "Chess Club",
		"rejection_reason": "Duplicate of an existing club",
		"reapply_url":      "https://bobcats.example/clubs/new",
	}))
	require.NoError(t, err)
	assert.Equal(t, `Update on your club request: "Chess Club"`, withReason.Subject)
	assert.Contains(t, withReason.HTML, "<strong>Reason:</strong>")
	assert.Contains(t, withReason.Text, "Reason:\nDuplicate of an existing club")

	without, err := r.Render(domain.TemplateClubRejected, mustJSON(t, map[string]string{
		"club_name":   "Chess Club",
		"reapply_url": "https://bobcats.example/clubs/new",
	}))
	require.NoError(t, err)
	assert.NotContains(t, without.HTML, "Reason:")
	assert.NotContains(t, without.Text, "Reason:")
	assert.Contains(t, without.Text, "at this time.\n\nIf you'd like")
}

func TestRender_OfficerInvite(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.Render(domain.TemplateOfficerInvite, mustJSON(t, map[string]string{
		"club_name":  "Chess Club",
		"invite_url": "https://bobcats.example/invite/abc",
	}))
	require.NoError(t, err)
	assert.Equal(t, "You've been invited to join Chess Club as an officer", out.Subject)
	assert.Contains(t, out.HTML, `href="https://bobcats.example/invite/abc"`)
	assert.Contains(t, out.Text, "Accept your invitation here:\nhttps://bobcats.example/invite/abc")
}

func TestRender_MemberInvite_RoleDrivesCopy(t *testing.T) {
	r := newTestRenderer(t)

	tests := []struct {
		role    string
		display string
		duty    string
	}{
		{"admin", "an admin", "Full administrative access"},
		{"officer", "an officer", "Help manage the club"},
		{"member", "a member", "Attend events"},
		{"guest", "a member", "Connect with other members"},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			out, err := r.Render(domain.TemplateMemberInvite, mustJSON(t, map[string]string{
				"club_name":  "Chess Club",
				"role":       tt.role,
				"invite_url": "https://bobcats.example/invite/xyz",
			}))
			require.NoError(t, err)
			assert.Equal(t, "You've been invited to join Chess Club as "+tt.display, out.Subject)
			assert.Contains(t, out.HTML, "<li>"+tt.duty+"</li>")
			assert.Contains(t, out.Text, "- "+tt.duty)
			assert.Contains(t, out.Text, "As "+tt.display+", you'll be able to:\n- ")
		})
	}
}

func TestRender_EventFulfilled(t *testing.T) {
	r := newTestRenderer(t)

	creator, err := r.Render(domain.TemplateEventFulfilledCreator, mustJSON(t, eventPayload("A beginner workshop")))
	require.NoError(t, err)
	assert.Equal(t, "Your event request has been fulfilled: Intro to Go", creator.Subject)
	assert.Contains(t, creator.Text, "Location: Online Event")
	assert.Contains(t, creator.Text, "Date & Time: Sunday, March 1, 2026 at 6:00 PM UTC")
	assert.Contains(t, creator.Text, "Your Request:\nA beginner workshop\n")
	assert.Contains(t, creator.HTML, "Date &amp; Time:")

	upvoter, err := r.Render(domain.TemplateEventFulfilledUpvoter, mustJSON(t, eventPayload("A beginner workshop")))
	require.NoError(t, err)
	assert.Equal(t, "An event you upvoted has been created: Intro to Go", upvoter.Subject)
	assert.Contains(t, upvoter.Text, "Thank you for your support!")
}

func TestRender_EventSnippetEllipsis(t *testing.T) {
	r := newTestRenderer(t)
	long := strings.Repeat("s", domain.SnippetEllipsisAt)

	out, err := r.Render(domain.TemplateEventFulfilledCreator, mustJSON(t, eventPayload(long)))
	require.NoError(t, err)
	assert.Contains(t, out.Text, long+"...")
	assert.Contains(t, out.HTML, long+"...")
}

func TestRender_EventStartInConfiguredZone(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	r, err := NewRenderer(RendererOptions{BrandName: "Bobcat Clubs", Location: loc})
	require.NoError(t, err)

	out, err := r.Render(domain.TemplateEventFulfilledCreator, mustJSON(t, eventPayload("x")))
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Sunday, March 1, 2026 at 1:00 PM EST")
	assert.True(t, strings.HasSuffix(out.Text, "Bobcat Clubs Team"))
}

func TestRender_EscapesUserFieldsInHTMLOnly(t *testing.T) {
	r := newTestRenderer(t)
	hostile := `<script>alert("x")</script> & 'friends'`

	out, err := r.Render(domain.TemplateClubRejected, mustJSON(t, map[string]string{
		"club_name":        hostile,
		"rejection_reason": hostile,
		"reapply_url":      `https://bobcats.example/"><script>`,
	}))
	require.NoError(t, err)

	assert.NotContains(t, out.HTML, "<script>")
	assert.Contains(t, out.HTML, "&lt;script&gt;alert(&quot;x&quot;)&lt;/script&gt; &amp; &#039;friends&#039;")
	assert.Contains(t, out.HTML, `href="https://bobcats.example/&quot;&gt;&lt;script&gt;"`)

	assert.Contains(t, out.Text, hostile)
	assert.Contains(t, out.Subject, `<script>alert("x")</script>`)
}

func TestRender_Errors(t *testing.T) {
	r := newTestRenderer(t)

	_, err := r.Render("nonexistent_template", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnknownTemplate)

	_, err = r.Render(domain.TemplateOfficerInvite, json.RawMessage(`{"club_name":"Chess Club"}`))
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestEscapeHTML(t *testing.T) {
	assert.Equal(t, "&amp;&lt;&gt;&quot;&#039;", EscapeHTML(`&<>"'`))
	assert.Equal(t, "plain text", EscapeHTML("plain text"))
	assert.Equal(t, "&amp;amp;", EscapeHTML("&amp;"))
}

func TestEscapeBindings_Recursive(t *testing.T) {
	in := map[string]interface{}{
		"s":    "<b>",
		"list": []string{"<i>", "ok"},
		"nested": map[string]interface{}{
			"x": "a & b",
		},
		"flag": true,
	}
	out := escapeBindings(in)

	assert.Equal(t, "&lt;b&gt;", out["s"])
	assert.Equal(t, []string{"&lt;i&gt;", "ok"}, out["list"])
	assert.Equal(t, "a &amp; b", out["nested"].(map[string]interface{})["x"])
	assert.Equal(t, true, out["flag"])
	assert.Equal(t, "<b>", in["s"], "input must not be mutated")
}
