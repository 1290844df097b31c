package config

import (
	"fmt"
	"strings"
)

type Validation struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *Validation) addErr(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}
func (v *Validation) addWarn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}
func (v Validation) OK() bool { return len(v.Errors) == 0 }

var validEfforts = map[string]bool{"low": true, "medium": true, "high": true}
var validOps = map[string]bool{"gte": true, "gt": true, "lte": true, "lt": true, "eq": true}
var validFields = map[string]bool{"match_score": true, "company_tier": true, "effort_hint": true}

// NormalizeAndValidate returns a normalized copy plus everything worth
// telling the operator before a run starts.
func NormalizeAndValidate(cfg Config) (Config, Validation) {
	out := Defaults(cfg)
	var res Validation

	// session budgets
	if out.Session.Workers > 20 {
		res.addWarn("session.workers is very high (%d); destination sites will notice.", out.Session.Workers)
	}
	if out.Session.MaxDurationMinutes > 24*60 {
		res.addWarn("session.max_duration_minutes exceeds a day (%d).", out.Session.MaxDurationMinutes)
	}

	// retry sanity
	if out.Retry.MaxAttempts > 5 {
		res.addErr("retry.max_attempts must be <= 5 (got %d)", out.Retry.MaxAttempts)
	}

	// stealth rules
	checkDelay := func(name string, d Delay) {
		if d.Kind == "" {
			return
		}
		switch d.Kind {
		case "uniform", "normal", "exponential":
		default:
			res.addErr("%s.kind must be uniform, normal, or exponential (got %q)", name, d.Kind)
		}
		if d.MinMs < 0 || d.MaxMs < 0 {
			res.addErr("%s delays must be >= 0", name)
		}
		if d.MaxMs > 0 && d.MinMs > d.MaxMs {
			res.addErr("%s min_ms (%d) > max_ms (%d)", name, d.MinMs, d.MaxMs)
		}
	}
	checkDomain := func(name string, r DomainRules) {
		if r.MaxAppsPerDay < 0 || r.MinSecondsBetween < 0 || r.MaxConcurrent < 0 {
			res.addErr("stealth.%s: limits must be >= 0", name)
		}
		checkDelay("stealth."+name+".keystroke", r.Keystroke)
		checkDelay("stealth."+name+".inter_action", r.InterAction)
	}
	checkDomain("global", out.Stealth.Global)
	for d, r := range out.Stealth.Domains {
		if strings.TrimSpace(d) == "" {
			res.addErr("stealth.domains contains an empty domain key")
			continue
		}
		checkDomain("domains."+d, r)
	}

	// effort rules
	checkConds := func(name string, conds []Condition) {
		if len(conds) == 0 {
			res.addErr("%s.when must have at least 1 condition", name)
		}
		for i, c := range conds {
			if !validFields[c.Field] {
				res.addErr("%s.when[%d].field %q is not a known field", name, i, c.Field)
			}
			if !validOps[c.Op] {
				res.addErr("%s.when[%d].op %q is not a known operator", name, i, c.Op)
			}
			if c.Ref != "" {
				if _, ok := out.Effort.Thresholds[c.Ref]; !ok {
					res.addErr("%s.when[%d].ref %q is not in effort.thresholds", name, i, c.Ref)
				}
			}
		}
	}
	checkShifts := func(name string, rules []ShiftRule) {
		for i, r := range rules {
			n := fmt.Sprintf("effort.%s[%d]", name, i)
			if !validEfforts[strings.ToLower(r.From)] {
				res.addErr("%s.from %q must be low/medium/high", n, r.From)
			}
			if !validEfforts[strings.ToLower(r.To)] {
				res.addErr("%s.to %q must be low/medium/high", n, r.To)
			}
			checkConds(n, r.When)
		}
	}
	checkShifts("upgrade_rules", out.Effort.UpgradeRules)
	checkShifts("downgrade_rules", out.Effort.DowngradeRules)
	for i, r := range out.Effort.SkipRules {
		checkConds(fmt.Sprintf("effort.skip_rules[%d]", i), r.When)
	}

	// email required fields if enabled (password lives in the keychain)
	if out.Email.Enabled {
		if strings.TrimSpace(out.Email.IMAPHost) == "" {
			res.addErr("email.imap_host is required when email.enabled=true")
		}
		if out.Email.IMAPPort == 0 {
			res.addErr("email.imap_port is required when email.enabled=true")
		}
		if strings.TrimSpace(out.Email.Username) == "" {
			res.addErr("email.username is required when email.enabled=true")
		}
		if strings.TrimSpace(out.Email.Mailbox) == "" {
			out.Email.Mailbox = "INBOX"
		}
		if len(out.Email.SearchSubjectAny) == 0 {
			res.addWarn("email.search_subject_any is empty; confirmation polling may find nothing.")
		}
	}

	if out.Notify.TelegramEnabled && strings.TrimSpace(out.Notify.TelegramChatID) == "" {
		res.addErr("notify.telegram_chat_id is required when notify.telegram_enabled=true")
	}

	return out, res
}
