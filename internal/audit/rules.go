package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Rule names reported in findings.
const (
	RuleVolumeSpike      = "VOLUME_SPIKE"
	RuleOffHoursAccess   = "OFF_HOURS_ACCESS"
	RuleRepeatedFailures = "REPEATED_FAILURES"
	RuleEmergencyAccess  = "EMERGENCY_ACCESS"
	RuleBulkAccess       = "BULK_RESOURCE_ACCESS"
)

// RuleConfig holds the thresholds of the suspicious activity rules.
type RuleConfig struct {
	VolumeThreshold   int
	FailureThreshold  int
	DistinctResources int
	BusinessStart     int // hour, inclusive
	BusinessEnd       int // hour, exclusive
	Location          *time.Location
}

func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		VolumeThreshold:   50,
		FailureThreshold:  5,
		DistinctResources: 20,
		BusinessStart:     7,
		BusinessEnd:       19,
		Location:          time.UTC,
	}
}

// Finding is one rule match. Score is a non-negative number the downstream
// anomaly scorer consumes as a feature; 1.0 means "at threshold".
type Finding struct {
	Rule        string    `json:"rule"`
	UserID      string    `json:"user_id"`
	Severity    Severity  `json:"severity"`
	Count       int       `json:"count"`
	Threshold   int       `json:"threshold"`
	Score       float64   `json:"score"`
	Description string    `json:"description"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// DetectSuspiciousActivity evaluates the rules over userID's events in the
// last windowMinutes. It never writes.
func (l *Logger) DetectSuspiciousActivity(ctx context.Context, userID string, windowMinutes int) ([]Finding, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidQuery)
	}
	if windowMinutes <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %d minutes", ErrInvalidQuery, windowMinutes)
	}

	end := l.now().UTC()
	start := end.Add(-time.Duration(windowMinutes) * time.Minute)
	events, _, err := l.store.Query(ctx, Filter{UserID: userID, From: &start, To: &end})
	if err != nil {
		return nil, fmt.Errorf("suspicious activity: %w", err)
	}

	return evaluateRules(l.rules, userID, events, start, end), nil
}

func evaluateRules(cfg RuleConfig, userID string, events []Event, start, end time.Time) []Finding {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	var (
		accesses, offHours, failures, emergency int
		resources                               = make(map[string]struct{})
	)
	for _, e := range events {
		if !e.Success {
			failures++
		}
		if e.Type != EventPHIAccess {
			continue
		}
		accesses++
		if e.Operation == OpEmergencyAccess {
			emergency++
		}
		if h := e.Timestamp.In(loc).Hour(); h < cfg.BusinessStart || h >= cfg.BusinessEnd {
			offHours++
		}
		if e.ResourceID != "" {
			resources[e.ResourceType+"/"+e.ResourceID] = struct{}{}
		}
	}

	finding := func(rule string, count, threshold int, desc string) Finding {
		score := float64(count)
		if threshold > 0 {
			score = float64(count) / float64(threshold)
		}
		return Finding{
			Rule:        rule,
			UserID:      userID,
			Severity:    severityForScore(score),
			Count:       count,
			Threshold:   threshold,
			Score:       math.Round(score*100) / 100,
			Description: desc,
			WindowStart: start,
			WindowEnd:   end,
		}
	}

	var findings []Finding
	if cfg.VolumeThreshold > 0 && accesses > cfg.VolumeThreshold {
		findings = append(findings, finding(RuleVolumeSpike, accesses, cfg.VolumeThreshold,
			"PHI access volume above threshold"))
	}
	if offHours > 0 {
		f := finding(RuleOffHoursAccess, offHours, accesses, "PHI accessed outside business hours")
		f.Severity = SeverityLow
		findings = append(findings, f)
	}
	if cfg.FailureThreshold > 0 && failures >= cfg.FailureThreshold {
		findings = append(findings, finding(RuleRepeatedFailures, failures, cfg.FailureThreshold,
			"repeated failed operations"))
	}
	if emergency > 0 {
		f := finding(RuleEmergencyAccess, emergency, 1, "emergency access used")
		f.Severity = SeverityHigh
		findings = append(findings, f)
	}
	if cfg.DistinctResources > 0 && len(resources) >= cfg.DistinctResources {
		findings = append(findings, finding(RuleBulkAccess, len(resources), cfg.DistinctResources,
			"access spread over many distinct records"))
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].Rule < findings[j].Rule })
	if findings == nil {
		findings = make([]Finding, 0)
	}
	return findings
}

func severityForScore(score float64) Severity {
	switch {
	case score >= 4:
		return SeverityUrgent
	case score >= 2:
		return SeverityHigh
	case score >= 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
