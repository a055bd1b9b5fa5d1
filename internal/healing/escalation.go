package healing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// EscalationChannel identifies an outbound L3 notification path.
type EscalationChannel string

const (
	ChannelSlack     EscalationChannel = "slack"
	ChannelEmail     EscalationChannel = "email"
	ChannelTeams     EscalationChannel = "teams"
	ChannelPagerDuty EscalationChannel = "pagerduty"
)

// EscalationConfig carries the per-channel settings needed to deliver an
// L3 escalation. A channel is disabled when its webhook URL, SMTPAddr or
// EmailTo, or routing key is empty; SlackChannel and EmailFrom are optional.
type EscalationConfig struct {
	SlackWebhookURL string
	SlackChannel    string

	SMTPAddr  string
	EmailFrom string
	EmailTo   string

	TeamsWebhookURL string

	PagerDutyRoutingKey string
}

// Escalation is a single L3 incident handed to a human.
type Escalation struct {
	IncidentID   string
	Hostname     string
	CheckType    string
	HIPAAControl string
	Reason       string
	Artifacts    map[string]string
	OccurredAt   time.Time
}

// Escalator delivers L3 escalations to every channel configured in
// EscalationConfig, best-effort: a failure on one channel does not stop
// delivery to the others.
type Escalator struct {
	cfg    EscalationConfig
	client *http.Client
}

// NewEscalator creates an escalator from the given channel configuration.
func NewEscalator(cfg EscalationConfig) *Escalator {
	return &Escalator{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify delivers e to every configured channel and returns the errors
// from channels that failed, keyed by channel name. A nil map means
// every configured channel succeeded (or none are configured).
func (s *Escalator) Notify(e Escalation) map[EscalationChannel]error {
	errs := make(map[EscalationChannel]error)

	if s.cfg.SlackWebhookURL != "" {
		if err := s.notifySlack(e); err != nil {
			errs[ChannelSlack] = err
		}
	}
	if s.cfg.SMTPAddr != "" && s.cfg.EmailTo != "" {
		if err := s.notifyEmail(e); err != nil {
			errs[ChannelEmail] = err
		}
	}
	if s.cfg.TeamsWebhookURL != "" {
		if err := s.notifyTeams(e); err != nil {
			errs[ChannelTeams] = err
		}
	}
	if s.cfg.PagerDutyRoutingKey != "" {
		if err := s.notifyPagerDuty(e); err != nil {
			errs[ChannelPagerDuty] = err
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (s *Escalator) notifySlack(e Escalation) error {
	text := fmt.Sprintf(":rotating_light: *L3 escalation* — %s/%s\n>%s\nincident=%s hipaa=%s",
		e.Hostname, e.CheckType, e.Reason, e.IncidentID, e.HIPAAControl)

	msg := &slack.WebhookMessage{
		Channel: s.cfg.SlackChannel,
		Text:    text,
	}
	return slack.PostWebhook(s.cfg.SlackWebhookURL, msg)
}

func (s *Escalator) notifyEmail(e Escalation) error {
	subject := fmt.Sprintf("L3 escalation: %s/%s", e.Hostname, e.CheckType)
	body := fmt.Sprintf("Incident: %s\nHost: %s\nCheck: %s\nHIPAA control: %s\nReason: %s\nOccurred: %s\n",
		e.IncidentID, e.Hostname, e.CheckType, e.HIPAAControl, e.Reason, e.OccurredAt.Format(time.RFC3339))

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.cfg.EmailFrom, s.cfg.EmailTo, subject, body)

	host := s.cfg.SMTPAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return smtp.SendMail(s.cfg.SMTPAddr, nil, s.cfg.EmailFrom, []string{s.cfg.EmailTo}, []byte(msg))
}

func (s *Escalator) notifyTeams(e Escalation) error {
	payload := map[string]any{
		"@type":    "MessageCard",
		"@context": "http://schema.org/extensions",
		"summary":  "L3 escalation",
		"title":    fmt.Sprintf("L3 escalation: %s/%s", e.Hostname, e.CheckType),
		"text":     e.Reason,
	}
	return s.postJSON(s.cfg.TeamsWebhookURL, payload)
}

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

func (s *Escalator) notifyPagerDuty(e Escalation) error {
	return s.notifyPagerDutyURL(pagerDutyEventsURL, e)
}

// notifyPagerDutyURL posts the PagerDuty Events API v2 payload to url,
// split out from notifyPagerDuty so tests can point it at a local server.
func (s *Escalator) notifyPagerDutyURL(url string, e Escalation) error {
	payload := map[string]any{
		"routing_key":  s.cfg.PagerDutyRoutingKey,
		"event_action": "trigger",
		"dedup_key":    e.IncidentID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("%s/%s: %s", e.Hostname, e.CheckType, e.Reason),
			"source":   e.Hostname,
			"severity": "warning",
			"custom_details": map[string]any{
				"hipaa_control": e.HIPAAControl,
				"check_type":    e.CheckType,
			},
		},
	}
	return s.postJSON(url, payload)
}

func (s *Escalator) postJSON(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal escalation payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build escalation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post escalation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("escalation webhook returned %d", resp.StatusCode)
	}
	return nil
}
