package healing

import "testing"

func TestPromoter_EligibleRequiresMinimumSampleCount(t *testing.T) {
	p := NewPromoter(nil, DefaultPromotionConfig())
	c := promotionCandidate{SiteID: "site-1", PatternSignature: "firewall-disabled", RecommendedAction: "configure_firewall", Count: 9, SuccessCount: 9}
	if p.eligible(c) {
		t.Fatalf("expected count=9 to fall below the default threshold of 10")
	}
}

func TestPromoter_EligibleRequiresSuccessRate(t *testing.T) {
	p := NewPromoter(nil, DefaultPromotionConfig())
	c := promotionCandidate{SiteID: "site-1", PatternSignature: "firewall-disabled", RecommendedAction: "configure_firewall", Count: 10, SuccessCount: 7}
	if p.eligible(c) {
		t.Fatalf("expected success rate 0.7 to fall below the default threshold of 0.8")
	}
}

func TestPromoter_EligibleAcceptsQualifyingCandidate(t *testing.T) {
	p := NewPromoter(nil, DefaultPromotionConfig())
	c := promotionCandidate{SiteID: "site-1", PatternSignature: "firewall-disabled", RecommendedAction: "configure_firewall", Count: 12, SuccessCount: 10}
	if !p.eligible(c) {
		t.Fatalf("expected count=12 rate=0.83 to qualify")
	}
}

func TestPromoter_EligibleRejectsEmptyAction(t *testing.T) {
	p := NewPromoter(nil, DefaultPromotionConfig())
	c := promotionCandidate{SiteID: "site-1", PatternSignature: "firewall-disabled", Count: 20, SuccessCount: 20}
	if p.eligible(c) {
		t.Fatalf("expected a candidate with no consistent recommended_action to be rejected")
	}
}

func TestPromoter_CustomThresholds(t *testing.T) {
	p := NewPromoter(nil, PromotionConfig{MinSampleCount: 3, MinSuccessRate: 0.5})
	c := promotionCandidate{SiteID: "site-1", PatternSignature: "x", RecommendedAction: "restart_service", Count: 4, SuccessCount: 2}
	if !p.eligible(c) {
		t.Fatalf("expected count=4 rate=0.5 to qualify under relaxed thresholds")
	}
}
