// Package mailing renders outbox templates into subject, HTML and text
// bodies using the Liquid template language.
//
// Templates are embedded at build time and parsed once by NewRenderer.
// Bindings are assembled in Go from the typed payload; HTML bodies are
// rendered from an escaped copy of those bindings, text bodies and subjects
// from the raw values. Templates never escape on their own.
package mailing

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/betterbobcats/email-outbox/internal/domain"
)

//go:embed templates/*.liquid
var templateFS embed.FS

// DefaultBrandName is used when RendererOptions.BrandName is empty.
const DefaultBrandName = "BetterBobcats"

// startsAtLayout formats event start times, e.g. "Sunday, March 1, 2026 at 6:00 PM EST".
const startsAtLayout = "Monday, January 2, 2006 at 3:04 PM MST"

// RendererOptions configures a Renderer.
type RendererOptions struct {
	BrandName string
	Location  *time.Location
}

type compiledTemplate struct {
	subject *liquid.Template
	html    *liquid.Template
	text    *liquid.Template
}

// Renderer turns a template name and payload into a RenderedEmail.
// It is safe for concurrent use once constructed.
type Renderer struct {
	engine    *liquid.Engine
	layout    *liquid.Template
	templates map[domain.TemplateName]compiledTemplate
	brand     string
	loc       *time.Location
}

// NewRenderer parses the layout and every registered template. A missing or
// unparsable template is a startup error.
func NewRenderer(opts RendererOptions) (*Renderer, error) {
	r := &Renderer{
		engine:    liquid.NewEngine(),
		templates: make(map[domain.TemplateName]compiledTemplate),
		brand:     opts.BrandName,
		loc:       opts.Location,
	}
	if r.brand == "" {
		r.brand = DefaultBrandName
	}
	if r.loc == nil {
		r.loc = time.UTC
	}

	layout, err := r.parse("layout.html.liquid")
	if err != nil {
		return nil, err
	}
	r.layout = layout

	for _, name := range domain.KnownTemplates() {
		var ct compiledTemplate
		if ct.subject, err = r.parse(string(name) + ".subject.liquid"); err != nil {
			return nil, err
		}
		if ct.html, err = r.parse(string(name) + ".html.liquid"); err != nil {
			return nil, err
		}
		if ct.text, err = r.parse(string(name) + ".text.liquid"); err != nil {
			return nil, err
		}
		r.templates[name] = ct
	}
	return r, nil
}

func (r *Renderer) parse(file string) (*liquid.Template, error) {
	src, err := templateFS.ReadFile("templates/" + file)
	if err != nil {
		return nil, fmt.Errorf("mailing: read template %s: %w", file, err)
	}
	tpl, perr := r.engine.ParseTemplate(src)
	if perr != nil {
		return nil, fmt.Errorf("mailing: parse template %s: %w", file, perr)
	}
	return tpl, nil
}

// Render decodes raw for the named template and renders it. Unknown names
// fail with domain.ErrUnknownTemplate, incomplete payloads with
// domain.ErrMissingField.
func (r *Renderer) Render(name domain.TemplateName, raw json.RawMessage) (domain.RenderedEmail, error) {
	p, err := domain.DecodePayload(name, raw)
	if err != nil {
		return domain.RenderedEmail{}, err
	}
	return r.RenderPayload(p)
}

// RenderPayload renders an already decoded payload.
func (r *Renderer) RenderPayload(p domain.Payload) (domain.RenderedEmail, error) {
	if err := p.Validate(); err != nil {
		return domain.RenderedEmail{}, err
	}
	bindings, err := r.bindings(p)
	if err != nil {
		return domain.RenderedEmail{}, err
	}
	ct, ok := r.templates[p.Template()]
	if !ok {
		return domain.RenderedEmail{}, fmt.Errorf("%w: %s", domain.ErrUnknownTemplate, p.Template())
	}

	subject, err := renderString(ct.subject, bindings)
	if err != nil {
		return domain.RenderedEmail{}, fmt.Errorf("render %s subject: %w", p.Template(), err)
	}
	text, err := renderString(ct.text, bindings)
	if err != nil {
		return domain.RenderedEmail{}, fmt.Errorf("render %s text: %w", p.Template(), err)
	}

	escaped := escapeBindings(bindings)
	body, err := renderString(ct.html, escaped)
	if err != nil {
		return domain.RenderedEmail{}, fmt.Errorf("render %s html: %w", p.Template(), err)
	}
	html, err := renderString(r.layout, map[string]interface{}{
		"content":    body,
		"brand_name": escaped["brand_name"],
	})
	if err != nil {
		return domain.RenderedEmail{}, fmt.Errorf("render %s layout: %w", p.Template(), err)
	}

	return domain.RenderedEmail{
		Subject: strings.Join(strings.Fields(subject), " "),
		HTML:    html,
		Text:    strings.TrimSpace(text),
	}, nil
}

func renderString(tpl *liquid.Template, b map[string]interface{}) (string, error) {
	out, err := tpl.RenderString(b)
	if err != nil {
		return "", err
	}
	return out, nil
}

// bindings builds the Liquid variables for p. Every derived value, including
// booleans that drive conditionals, is computed here.
func (r *Renderer) bindings(p domain.Payload) (map[string]interface{}, error) {
	b := map[string]interface{}{"brand_name": r.brand}

	switch v := p.(type) {
	case *domain.ClubApprovedPayload:
		b["club_name"] = v.ClubName
		b["dashboard_link"] = v.DashboardLink()

	case *domain.ClubRejectedPayload:
		b["club_name"] = v.ClubName
		b["reapply_url"] = v.ReapplyURL
		b["rejection_reason"] = v.RejectionReason
		b["has_reason"] = strings.TrimSpace(v.RejectionReason) != ""

	case *domain.OfficerInvitePayload:
		b["club_name"] = v.ClubName
		b["invite_url"] = v.InviteURL

	case *domain.MemberInvitePayload:
		role := v.NormalizedRole()
		b["club_name"] = v.ClubName
		b["invite_url"] = v.InviteURL
		b["role_display"] = roleDisplay(role)
		b["duties"] = roleDuties(role)

	case *domain.EventFulfilledCreatorPayload:
		if err := r.eventBindings(b, &v.EventDetails); err != nil {
			return nil, err
		}

	case *domain.EventFulfilledUpvoterPayload:
		if err := r.eventBindings(b, &v.EventDetails); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: %T", domain.ErrUnknownTemplate, p)
	}
	return b, nil
}

func (r *Renderer) eventBindings(b map[string]interface{}, d *domain.EventDetails) error {
	start, err := d.StartTime()
	if err != nil {
		return fmt.Errorf("%w %q: %v", domain.ErrInvalidField, "starts_at", err)
	}
	b["club_name"] = d.ClubName
	b["event_title"] = d.EventTitle
	b["event_url"] = d.EventURL
	b["snippet"] = d.RequestDescriptionSnippet
	b["snippet_ellipsis"] = ""
	if d.SnippetTruncated() {
		b["snippet_ellipsis"] = "..."
	}
	b["starts_at_display"] = start.In(r.loc).Format(startsAtLayout)
	b["location_text"] = d.LocationText()
	return nil
}

func roleDisplay(role domain.ClubRole) string {
	switch role {
	case domain.RoleAdmin:
		return "an admin"
	case domain.RoleOfficer:
		return "an officer"
	default:
		return "a member"
	}
}

func roleDuties(role domain.ClubRole) []string {
	switch role {
	case domain.RoleAdmin:
		return []string{
			"Manage club settings and members",
			"Create and manage events",
			"Invite new members",
			"Full administrative access",
		}
	case domain.RoleOfficer:
		return []string{
			"Help manage the club",
			"Create and manage events",
			"Engage with members",
		}
	default:
		return []string{
			"Participate in club activities",
			"Attend events",
			"Connect with other members",
		}
	}
}
