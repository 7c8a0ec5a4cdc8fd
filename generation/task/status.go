package task

import (
	"strings"

	"github.com/BaSui01/mediaflow/generation/extract"
)

// NormalizeStatus maps a provider status token onto the canonical set.
// Matching is case-insensitive and by containment.
func NormalizeStatus(token string) Status {
	s := strings.ToLower(strings.TrimSpace(token))
	switch {
	case s == "":
		return StatusProcessing
	case containsAny(s, "success", "succeed", "complete", "done"):
		return StatusSuccess
	case containsAny(s, "fail", "error", "cancel"):
		return StatusFailed
	case containsAny(s, "pending", "queue", "wait"):
		return StatusPending
	default:
		return StatusProcessing
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Observation is what a raw provider response says about a task.
type Observation struct {
	Status Status
	// Reported is false when the response carried no status signal at all.
	Reported     bool
	Token        string
	ErrorMessage string
}

var statusPaths = [][]string{
	{"data", "status"},
	{"status"},
	{"data", "state"},
	{"state"},
}

var errorPaths = [][]string{
	{"data", "failMsg"},
	{"data", "errorMessage"},
	{"data", "error_message"},
	{"data", "error"},
	{"error"},
	{"failMsg"},
	{"errorMessage"},
}

// Observe reads the status signal from a decoded provider response.
func Observe(v extract.Value) Observation {
	obs := Observation{Status: StatusProcessing, ErrorMessage: errorMessage(v)}

	for _, p := range statusPaths {
		if sv, ok := v.Path(p...); ok {
			if tok := strings.TrimSpace(sv.Text()); tok != "" {
				obs.Token, obs.Reported = tok, true
				obs.Status = NormalizeStatus(tok)
				break
			}
		}
	}

	if !obs.Reported {
		for _, p := range [][]string{{"data", "successFlag"}, {"successFlag"}} {
			fv, ok := v.Path(p...)
			if !ok || fv.Kind != extract.KindNumber {
				continue
			}
			obs.Reported, obs.Token = true, fv.Text()
			switch int(fv.Num) {
			case 1:
				obs.Status = StatusSuccess
			case 2, 3:
				obs.Status = StatusFailed
			default:
				obs.Status = StatusProcessing
			}
			break
		}
	}

	if obs.Status != StatusSuccess && obs.ErrorMessage != "" && hasErrorCode(v) {
		obs.Status, obs.Reported = StatusFailed, true
	}
	return obs
}

func hasErrorCode(v extract.Value) bool {
	for _, p := range [][]string{{"data", "errorCode"}, {"errorCode"}} {
		ev, ok := v.Path(p...)
		if !ok || ev.IsNull() {
			continue
		}
		switch ev.Text() {
		case "", "0", "200":
			continue
		}
		return true
	}
	return false
}

func errorMessage(v extract.Value) string {
	for _, p := range errorPaths {
		ev, ok := v.Path(p...)
		if !ok {
			continue
		}
		if ev.Kind == extract.KindObject {
			if mv, ok := ev.Path("message"); ok {
				ev = mv
			}
		}
		if s := strings.TrimSpace(ev.Text()); s != "" {
			return s
		}
	}
	return ""
}
