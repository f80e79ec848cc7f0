package classification

import (
	"strings"

	"triage_server/core/domain"
)

// vendorFingerprint describes how one SaaS sender marks its notification
// mail: the domains it sends from, the header only that vendor sets, and
// the markers that mean a human should look now rather than later.
type vendorFingerprint struct {
	vendor  string
	domains []string // sender-domain suffixes
	header  string   // characteristic vendor header
	urgent  []string // lowercase subject/header substrings that escalate
}

// vendorFingerprints covers the senders that dominate engineering inboxes.
// Domain matching is suffix-based so mail subdomains hit too
// (mail.notion.so, alerts.pagerduty.com).
var vendorFingerprints = []vendorFingerprint{
	{vendor: "github", domains: []string{"github.com"}, header: "X-GitHub-Reason",
		urgent: []string{"security_alert", "security alert"}},
	{vendor: "gitlab", domains: []string{"gitlab.com"}, header: "X-GitLab-NotificationReason"},
	{vendor: "bitbucket", domains: []string{"bitbucket.org"}},
	{vendor: "jira", domains: []string{"atlassian.com", "atlassian.net"}, header: "X-JIRA-FingerPrint"},
	{vendor: "linear", domains: []string{"linear.app"}},
	{vendor: "asana", domains: []string{"asana.com"}},
	{vendor: "trello", domains: []string{"trello.com"}},
	{vendor: "monday", domains: []string{"monday.com"}},
	{vendor: "slack", domains: []string{"slack.com"}},
	{vendor: "teams", domains: []string{"teams.microsoft.com"}},
	{vendor: "discord", domains: []string{"discord.com"}},
	{vendor: "notion", domains: []string{"notion.so"}},
	{vendor: "sentry", domains: []string{"sentry.io"}, header: "X-Sentry-Project",
		urgent: []string{"critical", "fatal"}},
	{vendor: "pagerduty", domains: []string{"pagerduty.com"},
		urgent: []string{"[triggered]", "incident triggered", "urgency: high"}},
	{vendor: "opsgenie", domains: []string{"opsgenie.net", "opsgenie.com"},
		urgent: []string{"priority: p1", "priority: p2"}},
	{vendor: "datadog", domains: []string{"datadoghq.com", "datadoghq.eu"},
		urgent: []string{"[triggered]", "[alert]"}},
	{vendor: "vercel", domains: []string{"vercel.com"},
		urgent: []string{"deployment failed", "build failed"}},
	{vendor: "netlify", domains: []string{"netlify.com", "netlify.app"},
		urgent: []string{"deploy failed", "build failed"}},
	{vendor: "aws", domains: []string{"amazonaws.com", "aws.amazon.com"}},
	{vendor: "stripe", domains: []string{"stripe.com"},
		urgent: []string{"payment failed", "dispute", "chargeback"}},
	{vendor: "paypal", domains: []string{"paypal.com"},
		urgent: []string{"dispute", "chargeback"}},
	{vendor: "google-accounts", domains: []string{"accounts.google.com"},
		urgent: []string{"security alert", "sign-in attempt was blocked"}},
}

// vendorMatch is the outcome of fingerprinting one email.
type vendorMatch struct {
	vendor       string
	headerProof  bool   // the characteristic header was present
	urgentSignal string // first urgent marker hit, "" when none
}

// matchVendor fingerprints the sender. The domain suffix decides the hit;
// the characteristic header and urgency markers refine it.
func matchVendor(email *domain.EmailToClassify) (vendorMatch, bool) {
	for _, fp := range vendorFingerprints {
		if !fp.matchesDomain(email.SenderDomain) {
			continue
		}
		m := vendorMatch{vendor: fp.vendor}
		if fp.header != "" && email.Header(fp.header) != "" {
			m.headerProof = true
		}
		if len(fp.urgent) > 0 {
			probe := strings.ToLower(email.Subject)
			if fp.header != "" {
				probe += " " + strings.ToLower(email.Header(fp.header))
			}
			for _, marker := range fp.urgent {
				if strings.Contains(probe, marker) {
					m.urgentSignal = marker
					break
				}
			}
		}
		return m, true
	}
	return vendorMatch{}, false
}

func (fp vendorFingerprint) matchesDomain(senderDomain string) bool {
	for _, d := range fp.domains {
		if senderDomain == d || strings.HasSuffix(senderDomain, "."+d) {
			return true
		}
	}
	return false
}
