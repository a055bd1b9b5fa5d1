package healing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEscalator_NoChannelsConfiguredIsNoOp(t *testing.T) {
	e := NewEscalator(EscalationConfig{})
	errs := e.Notify(Escalation{IncidentID: "inc-1", Hostname: "ws01", CheckType: "smb1_protocol"})
	if errs != nil {
		t.Fatalf("expected nil errs with no channels configured, got %v", errs)
	}
}

func TestEscalator_TeamsWebhookDelivered(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode teams payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEscalator(EscalationConfig{TeamsWebhookURL: srv.URL})
	errs := e.Notify(Escalation{
		IncidentID: "inc-2",
		Hostname:   "dc01",
		CheckType:  "firewall_status",
		Reason:     "circuit breaker open",
		OccurredAt: time.Now(),
	})
	if errs != nil {
		t.Fatalf("expected teams delivery to succeed, got %v", errs)
	}
	if received["title"] == "" || received["title"] == nil {
		t.Fatal("expected a populated title field in the teams payload")
	}
}

func TestEscalator_PagerDutyUsesEventsV2Shape(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewEscalator(EscalationConfig{PagerDutyRoutingKey: "test-routing-key"})
	e.notifyPagerDutyURL(srv.URL, Escalation{
		IncidentID: "inc-3",
		Hostname:   "ws02",
		CheckType:  "windows_update",
		Reason:     "L2 plan failed",
	})

	if received["routing_key"] != "test-routing-key" {
		t.Fatalf("expected routing_key to be forwarded, got %v", received["routing_key"])
	}
	if received["event_action"] != "trigger" {
		t.Fatalf("expected event_action=trigger, got %v", received["event_action"])
	}
	if received["dedup_key"] != "inc-3" {
		t.Fatalf("expected dedup_key=inc-3, got %v", received["dedup_key"])
	}
}

func TestEscalator_ChannelFailureDoesNotBlockOthers(t *testing.T) {
	var teamsHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		teamsHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	// Slack is tried first and fails; Teams must still be delivered.
	e := NewEscalator(EscalationConfig{SlackWebhookURL: failing.URL, TeamsWebhookURL: srv.URL})

	errs := e.Notify(Escalation{IncidentID: "inc-4", Hostname: "ws03", CheckType: "av_status"})
	if errs[ChannelSlack] == nil {
		t.Fatalf("expected the slack failure to be reported, got %v", errs)
	}
	if errs[ChannelTeams] != nil {
		t.Fatalf("expected teams delivery to succeed, got %v", errs[ChannelTeams])
	}
	if !teamsHit {
		t.Fatal("expected teams webhook to be invoked")
	}
}
