package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TemplateName identifies the renderer for an outbox row.
type TemplateName string

const (
	TemplateClubApproved          TemplateName = "club_approved_contact"
	TemplateClubRejected          TemplateName = "club_rejected_contact"
	TemplateOfficerInvite         TemplateName = "club_officer_invite"
	TemplateMemberInvite          TemplateName = "club_member_invite"
	TemplateEventFulfilledCreator TemplateName = "event_request_fulfilled_creator"
	TemplateEventFulfilledUpvoter TemplateName = "event_request_fulfilled_upvoter"
)

// Payload errors. Render failures wrap one of these.
var (
	ErrUnknownTemplate = errors.New("unknown email template")
	ErrInvalidPayload  = errors.New("invalid email payload")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidField    = errors.New("invalid field")
)

// FieldError names the payload field that failed validation.
type FieldError struct {
	Template TemplateName
	Field    string
	Err      error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v %q", e.Template, e.Err, e.Field)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Payload is the closed set of template payloads. Only types in this
// package implement it; adding a template means adding a case here and in
// every type switch over Payload.
type Payload interface {
	Template() TemplateName
	Validate() error
	isPayload()
}

var payloadFactories = map[TemplateName]func() Payload{
	TemplateClubApproved:          func() Payload { return &ClubApprovedPayload{} },
	TemplateClubRejected:          func() Payload { return &ClubRejectedPayload{} },
	TemplateOfficerInvite:         func() Payload { return &OfficerInvitePayload{} },
	TemplateMemberInvite:          func() Payload { return &MemberInvitePayload{} },
	TemplateEventFulfilledCreator: func() Payload { return &EventFulfilledCreatorPayload{} },
	TemplateEventFulfilledUpvoter: func() Payload { return &EventFulfilledUpvoterPayload{} },
}

// KnownTemplates lists every registered template name, sorted.
func KnownTemplates() []TemplateName {
	names := make([]TemplateName, 0, len(payloadFactories))
	for name := range payloadFactories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// IsKnown reports whether a payload type is registered for name.
func (name TemplateName) IsKnown() bool {
	_, ok := payloadFactories[name]
	return ok
}

// DecodePayload parses raw into the payload type registered for name and
// validates its required fields. A null or empty raw decodes as {}.
func DecodePayload(name TemplateName, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	p := factory()

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if err := json.Unmarshal(trimmed, p); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidPayload, name, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func requireFields(tpl TemplateName, fields ...[2]string) error {
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			return &FieldError{Template: tpl, Field: f[0], Err: ErrMissingField}
		}
	}
	return nil
}

// =============================================================================
// Club lifecycle
// =============================================================================

// ClubApprovedPayload is sent to the contact of a newly approved club.
type ClubApprovedPayload struct {
	ClubID       string `json:"club_id,omitempty"`
	ClubName     string `json:"club_name"`
	ClubSlug     string `json:"club_slug"`
	DashboardURL string `json:"dashboard_url"`
	ContactEmail string `json:"contact_email,omitempty"`
}

func (*ClubApprovedPayload) Template() TemplateName { return TemplateClubApproved }
func (*ClubApprovedPayload) isPayload() {}

func (p *ClubApprovedPayload) Validate() error {
	return requireFields(TemplateClubApproved,
		[2]string{"club_name", p.ClubName},
		[2]string{"club_slug", p.ClubSlug},
		[2]string{"dashboard_url", p.DashboardURL})
}

// DashboardLink joins the dashboard base URL and the club slug.
func (p *ClubApprovedPayload) DashboardLink() string {
	return strings.TrimRight(p.DashboardURL, "/") + "/" + p.ClubSlug
}

// ClubRejectedPayload is sent when a club request is declined.
type ClubRejectedPayload struct {
	ClubName        string `json:"club_name"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	ReapplyURL      string `json:"reapply_url"`
}

func (*ClubRejectedPayload) Template() TemplateName { return TemplateClubRejected }
func (*ClubRejectedPayload) isPayload() {}

func (p *ClubRejectedPayload) Validate() error {
	return requireFields(TemplateClubRejected,
		[2]string{"club_name", p.ClubName},
		[2]string{"reapply_url", p.ReapplyURL})
}

// =============================================================================
// Invitations
// =============================================================================

// OfficerInvitePayload invites someone to become a club officer.
type OfficerInvitePayload struct {
	ClubID       string `json:"club_id,omitempty"`
	ClubName     string `json:"club_name"`
	ClubSlug     string `json:"club_slug,omitempty"`
	InviteID     string `json:"invite_id,omitempty"`
	InviteURL    string `json:"invite_url"`
	DashboardURL string `json:"dashboard_url,omitempty"`
}

func (*OfficerInvitePayload) Template() TemplateName { return TemplateOfficerInvite }
func (*OfficerInvitePayload) isPayload() {}

func (p *OfficerInvitePayload) Validate() error {
	return requireFields(TemplateOfficerInvite,
		[2]string{"club_name", p.ClubName},
		[2]string{"invite_url", p.InviteURL})
}

// ClubRole is the membership level offered by a member invite.
type ClubRole string

const (
	RoleAdmin   ClubRole = "admin"
	RoleOfficer ClubRole = "officer"
	RoleMember  ClubRole = "member"
)

// MemberInvitePayload invites someone to a club with a given role.
type MemberInvitePayload struct {
	ClubID    string   `json:"club_id,omitempty"`
	ClubName  string   `json:"club_name"`
	ClubSlug  string   `json:"club_slug,omitempty"`
	Role      ClubRole `json:"role"`
	InviteURL string   `json:"invite_url"`
}

func (*MemberInvitePayload) Template() TemplateName { return TemplateMemberInvite }
func (*MemberInvitePayload) isPayload() {}

func (p *MemberInvitePayload) Validate() error {
	return requireFields(TemplateMemberInvite,
		[2]string{"club_name", p.ClubName},
		[2]string{"role", string(p.Role)},
		[2]string{"invite_url", p.InviteURL})
}

// NormalizedRole maps the free-form role onto admin, officer or member.
// Anything unrecognized is treated as member.
func (p *MemberInvitePayload) NormalizedRole() ClubRole {
	switch ClubRole(strings.ToLower(strings.TrimSpace(string(p.Role)))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleOfficer:
		return RoleOfficer
	default:
		return RoleMember
	}
}

// =============================================================================
// Event requests
// =============================================================================

// SnippetEllipsisAt is the snippet length at which the upstream truncation
// is assumed and an ellipsis is shown.
const SnippetEllipsisAt = 200

// EventDetails is shared by both event-request-fulfilled payloads.
type EventDetails struct {
	RequestID                 string  `json:"request_id,omitempty"`
	RequestDescriptionSnippet string  `json:"request_description_snippet"`
	EventID                   string  `json:"event_id,omitempty"`
	EventTitle                string  `json:"event_title"`
	ClubName                  string  `json:"club_name"`
	ClubSlug                  string  `json:"club_slug,omitempty"`
	StartsAt                  string  `json:"starts_at"`
	LocationName              *string `json:"location_name"`
	LocationType              string  `json:"location_type,omitempty"`
	EventURL                  string  `json:"event_url"`
}

func (d *EventDetails) validate(tpl TemplateName) error {
	if err := requireFields(tpl,
		[2]string{"event_title", d.EventTitle},
		[2]string{"club_name", d.ClubName},
		[2]string{"starts_at", d.StartsAt},
		[2]string{"event_url", d.EventURL},
		[2]string{"request_description_snippet", d.RequestDescriptionSnippet},
	); err != nil {
		return err
	}
	if _, err := d.StartTime(); err != nil {
		return &FieldError{Template: tpl, Field: "starts_at", Err: ErrInvalidField}
	}
	return nil
}

// StartTime parses StartsAt as RFC 3339.
func (d *EventDetails) StartTime() (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(d.StartsAt))
}

// LocationText is the display location: the venue name when set, otherwise
// "Online Event" for online events and "Location TBD" for everything else.
func (d *EventDetails) LocationText() string {
	if d.LocationName != nil && strings.TrimSpace(*d.LocationName) != "" {
		return *d.LocationName
	}
	if strings.EqualFold(d.LocationType, "online") {
		return "Online Event"
	}
	return "Location TBD"
}

// SnippetTruncated reports whether the description snippet hit the
// upstream cut and should be followed by an ellipsis.
func (d *EventDetails) SnippetTruncated() bool {
	return len([]rune(d.RequestDescriptionSnippet)) >= SnippetEllipsisAt
}

// EventFulfilledCreatorPayload notifies the author of an event request.
type EventFulfilledCreatorPayload struct {
	EventDetails
}

func (*EventFulfilledCreatorPayload) Template() TemplateName { return TemplateEventFulfilledCreator }
func (*EventFulfilledCreatorPayload) isPayload() {}

func (p *EventFulfilledCreatorPayload) Validate() error {
	return p.validate(TemplateEventFulfilledCreator)
}

// EventFulfilledUpvoterPayload notifies someone who upvoted an event request.
type EventFulfilledUpvoterPayload struct {
	EventDetails
}

func (*EventFulfilledUpvoterPayload) Template() TemplateName { return TemplateEventFulfilledUpvoter }
func (*EventFulfilledUpvoterPayload) isPayload() {}

func (p *EventFulfilledUpvoterPayload) Validate() error {
	return p.validate(TemplateEventFulfilledUpvoter)
}
