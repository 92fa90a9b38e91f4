package threat

import (
	"strings"

	"github.com/khanghh/kguard/internal/tracker"
	"github.com/khanghh/kguard/model"
	"github.com/spf13/cast"
)

var (
	sourceRoleKeys = []string{"old_role", "from_role", "previous_role"}
	targetRoleKeys = []string{"new_role", "to_role", "role"}
)

func detailString(details map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := details[key]; ok {
			if s := strings.ToLower(strings.TrimSpace(cast.ToString(v))); s != "" {
				return s
			}
		}
	}
	return ""
}

// matchThreshold fires only when the current entry is the Count-th matching entry
// in the window, so a burst produces one event no matter how long it continues.
func matchThreshold(p *ThresholdParams, entry *model.AuditLogEntry, window []model.EventSummary) (bool, map[string]any) {
	matches := func(action string, success bool) bool {
		if !matchAction(p.Actions, action) {
			return false
		}
		return p.Success == nil || *p.Success == success
	}
	if !matches(entry.Action, entry.Success) {
		return false, nil
	}
	inWindow := false
	for _, ev := range window {
		if ev.LogID == entry.LogID {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return false, nil
	}
	count := tracker.Count(window, func(ev model.EventSummary) bool {
		return matches(ev.Action, ev.Success)
	})
	if count != p.Count {
		return false, nil
	}
	return true, map[string]any{
		"count":     count,
		"threshold": p.Count,
		"window":    p.Window.String(),
		"first_at":  window[0].Timestamp,
	}
}

func matchRoleElevation(p *RoleElevationParams, entry *model.AuditLogEntry) (bool, map[string]any) {
	if !matchAction(p.Actions, entry.Action) {
		return false, nil
	}
	if p.RequireSuccess && !entry.Success {
		return false, nil
	}
	if cast.ToBool(entry.Details["elevation"]) {
		return true, map[string]any{"elevation": true}
	}
	from := detailString(entry.Details, sourceRoleKeys)
	to := detailString(entry.Details, targetRoleKeys)
	if to == "" {
		return false, nil
	}
	fromRank, toRank := p.Hierarchy[from], p.Hierarchy[to]
	if toRank <= fromRank {
		return false, nil
	}
	return true, map[string]any{"old_role": from, "new_role": to}
}

func matchOffHours(r *Rule, entry *model.AuditLogEntry) (bool, map[string]any) {
	p := r.OffHours
	if !matchAction(p.Actions, entry.Action) {
		return false, nil
	}
	hour := entry.Timestamp.In(r.location).Hour()
	var inRange bool
	if p.StartHour < p.EndHour {
		inRange = hour >= p.StartHour && hour < p.EndHour
	} else {
		inRange = hour >= p.StartHour || hour < p.EndHour
	}
	if !inRange {
		return false, nil
	}
	return true, map[string]any{"hour": hour, "off_hours": []int{p.StartHour, p.EndHour}}
}

func matchSignature(p *SignatureParams, entry *model.AuditLogEntry) (bool, map[string]any) {
	if !matchAction(p.Actions, entry.Action) || entry.RiskScore < p.MinRiskScore {
		return false, nil
	}
	details := make(map[string]any, len(entry.Details)+1)
	for k, v := range entry.Details {
		details[k] = v
	}
	details["risk_score"] = entry.RiskScore
	return true, details
}
