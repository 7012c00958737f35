package services

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/huangang/costsentry/internal/models"
)

type webhookRule struct {
	hosts      []string
	hostSuffix string
	pathPrefix string
}

func (r webhookRule) matchHost(host string) bool {
	for _, h := range r.hosts {
		if host == h {
			return true
		}
	}
	if r.hostSuffix != "" && strings.HasSuffix(host, r.hostSuffix) {
		return len(host) > len(r.hostSuffix)
	}
	return false
}

// webhookAllowlist holds the ingress hosts and path prefixes of each chat provider.
var webhookAllowlist = map[string][]webhookRule{
	models.ChannelSlack: {
		{hosts: []string{"hooks.slack.com"}, pathPrefix: "/services/"},
	},
	models.ChannelDiscord: {
		{hosts: []string{"discord.com", "discordapp.com", "ptb.discord.com", "canary.discord.com"}, pathPrefix: "/api/webhooks/"},
	},
	models.ChannelTeams: {
		{hostSuffix: ".webhook.office.com", pathPrefix: "/webhookb2/"},
		{hostSuffix: ".logic.azure.com", pathPrefix: "/workflows/"},
	},
}

func rejectWebhook(channel, rule, format string, args ...interface{}) *ValidationError {
	return newValidationError(channel+" webhook URL", rule, fmt.Sprintf(format, args...))
}

// ValidateWebhookURL checks a chat webhook URL against the provider allowlist.
// It is a pure function: no DNS lookups and no network access.
func ValidateWebhookURL(channel, raw string) error {
	rules, ok := webhookAllowlist[channel]
	if !ok {
		return rejectWebhook(channel, "format", "channel %q does not accept webhook URLs", channel)
	}
	if strings.TrimSpace(raw) == "" {
		return rejectWebhook(channel, "format", "URL is empty")
	}
	if strings.ContainsAny(raw, " \t\r\n\\") {
		return rejectWebhook(channel, "format", "URL contains whitespace or backslashes")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return rejectWebhook(channel, "format", "URL cannot be parsed")
	}
	if u.Opaque != "" || u.Host == "" {
		return rejectWebhook(channel, "format", "URL must be absolute")
	}

	if u.Scheme != "https" {
		return rejectWebhook(channel, "scheme", "scheme must be https, got %q", u.Scheme)
	}

	if u.User != nil {
		return rejectWebhook(channel, "host", "credentials in the URL are not allowed")
	}
	if port := u.Port(); port != "" && port != "443" {
		return rejectWebhook(channel, "host", "port %s is not allowed", port)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if net.ParseIP(host) != nil {
		return rejectWebhook(channel, "host", "IP address hosts are not allowed")
	}

	var matched *webhookRule
	for i := range rules {
		if rules[i].matchHost(host) {
			matched = &rules[i]
			break
		}
	}
	if matched == nil {
		return rejectWebhook(channel, "host", "host %q is not a known %s webhook host", host, channel)
	}

	path := u.EscapedPath()
	if !strings.HasPrefix(path, matched.pathPrefix) || len(path) == len(matched.pathPrefix) {
		return rejectWebhook(channel, "path", "path must start with %s", matched.pathPrefix)
	}
	for _, seg := range strings.Split(path, "/") {
		decoded, err := unescapeSegment(seg)
		if err != nil {
			return rejectWebhook(channel, "path", "path has invalid escapes")
		}
		if decoded == "." || decoded == ".." {
			return rejectWebhook(channel, "path", "path must not contain dot segments")
		}
	}
	return nil
}

// unescapeSegment decodes a path segment until it stops changing, so that
// mixed and double encodings of dots are seen as dots.
func unescapeSegment(seg string) (string, error) {
	for i := 0; i < 4 && strings.Contains(seg, "%"); i++ {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return "", err
		}
		if decoded == seg {
			break
		}
		seg = decoded
	}
	return seg, nil
}

// CheckWebhookURL is ValidateWebhookURL in (ok, reason) form.
func CheckWebhookURL(channel, raw string) (bool, string) {
	if err := ValidateWebhookURL(channel, raw); err != nil {
		return false, err.Error()
	}
	return true, ""
}
