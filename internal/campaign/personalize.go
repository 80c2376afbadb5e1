package campaign

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osteele/liquid"
)

// ContentPersonalizer merges subscriber data into campaign content and
// instruments HTML for open and click tracking. All transforms are pure.
type ContentPersonalizer struct {
	publicURL string
	engine    *liquid.Engine
	cache     sync.Map // template source -> *liquid.Template
}

// NewContentPersonalizer creates a personalizer. publicURL is the externally
// reachable base URL of the tracking surface, without trailing slash.
func NewContentPersonalizer(publicURL string) *ContentPersonalizer {
	return &ContentPersonalizer{
		publicURL: strings.TrimRight(publicURL, "/"),
		engine:    liquid.NewEngine(),
	}
}

// Personalize substitutes placeholders in content. The fixed placeholder set
// (firstName, lastName, fullName, email, unsubscribeUrl, preferencesUrl,
// campaignName, currentYear) and custom fields are replaced by simple token
// substitution; content containing Liquid tags is rendered through the
// sandboxed Liquid engine with the same bindings. No arbitrary code runs
// either way.
func (p *ContentPersonalizer) Personalize(content string, sub *Subscriber, c *Campaign) string {
	if content == "" {
		return content
	}

	bindings := p.bindings(sub, c)

	if strings.Contains(content, "{%") {
		if out, err := p.renderLiquid(content, bindings); err == nil {
			return out
		}
		// Fall through to plain token replacement on template errors.
	}

	result := content
	for key, value := range bindings {
		result = strings.ReplaceAll(result, "{{"+key+"}}", fmt.Sprintf("%v", value))
		result = strings.ReplaceAll(result, "{{ "+key+" }}", fmt.Sprintf("%v", value))
	}
	return result
}

func (p *ContentPersonalizer) bindings(sub *Subscriber, c *Campaign) map[string]interface{} {
	bindings := map[string]interface{}{
		"firstName":      sub.FirstName,
		"lastName":       sub.LastName,
		"fullName":       sub.FullName(),
		"email":          sub.Email,
		"unsubscribeUrl": p.UnsubscribeURL(sub),
		"preferencesUrl": p.PreferencesURL(sub),
		"campaignName":   c.Name,
		"currentYear":    strconv.Itoa(time.Now().Year()),
	}
	for key, value := range sub.CustomFields {
		if _, reserved := bindings[key]; !reserved {
			bindings[key] = value
		}
	}
	return bindings
}

func (p *ContentPersonalizer) renderLiquid(source string, bindings map[string]interface{}) (string, error) {
	var tmpl *liquid.Template
	if cached, ok := p.cache.Load(source); ok {
		tmpl = cached.(*liquid.Template)
	} else {
		parsed, err := p.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		p.cache.Store(source, parsed)
		tmpl = parsed
	}

	out, err := tmpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// UnsubscribeURL returns the one-click unsubscribe URL for a subscriber.
func (p *ContentPersonalizer) UnsubscribeURL(sub *Subscriber) string {
	return fmt.Sprintf("%s/unsubscribe/%s", p.publicURL, sub.UnsubscribeToken)
}

// PreferencesURL returns the preference-center URL for a subscriber.
func (p *ContentPersonalizer) PreferencesURL(sub *Subscriber) string {
	return fmt.Sprintf("%s/preferences/%s", p.publicURL, sub.UnsubscribeToken)
}

// AddOpenTracking inserts a 1x1 tracking pixel immediately before </body>,
// or appends it when the content has no body tag.
func (p *ContentPersonalizer) AddOpenTracking(html string, campaignID, subscriberID uuid.UUID) string {
	pixel := fmt.Sprintf(`<img src="%s/track/open/%s/%s" width="1" height="1" style="display:none" alt="" />`,
		p.publicURL, campaignID, subscriberID)

	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", pixel+"</body>", 1)
	}
	return html + pixel
}

// AddClickTracking rewrites double-quoted absolute http(s) href values to the
// click redirect endpoint. URLs containing "unsubscribe" and already-tracked
// URLs pass through untouched, as does any href that doesn't match the
// supported syntax.
func (p *ContentPersonalizer) AddClickTracking(html string, campaignID, subscriberID uuid.UUID) string {
	const marker = `href="`

	var b strings.Builder
	rest := html
	for {
		i := strings.Index(rest, marker)
		if i == -1 {
			b.WriteString(rest)
			break
		}
		start := i + len(marker)
		b.WriteString(rest[:start])
		rest = rest[start:]

		end := strings.Index(rest, `"`)
		if end == -1 {
			b.WriteString(rest)
			break
		}
		original := rest[:end]
		rest = rest[end:]

		if p.shouldTrack(original) {
			b.WriteString(p.ClickURL(campaignID, subscriberID, original))
		} else {
			b.WriteString(original)
		}
	}
	return b.String()
}

func (p *ContentPersonalizer) shouldTrack(href string) bool {
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return false
	}
	if strings.Contains(href, "unsubscribe") || strings.Contains(href, "/track/") {
		return false
	}
	return true
}

// ClickURL builds the redirect URL for one link.
func (p *ContentPersonalizer) ClickURL(campaignID, subscriberID uuid.UUID, original string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		p.publicURL, campaignID, subscriberID, url.QueryEscape(original))
}

// Instrument applies personalization and both tracking transforms in the
// order the dispatch loop needs them.
func (p *ContentPersonalizer) Instrument(html string, sub *Subscriber, c *Campaign) string {
	out := p.Personalize(html, sub, c)
	out = p.AddClickTracking(out, c.ID, sub.ID)
	out = p.AddOpenTracking(out, c.ID, sub.ID)
	return out
}
