// engine/internal/config/config.go
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Condition is one typed clause of an effort rule. Numeric fields compare
// against Value (or a named threshold via Ref); text fields compare against Text.
type Condition struct {
	Field string  `yaml:"field"` // match_score | company_tier | effort_hint
	Op    string  `yaml:"op"`    // gte | gt | lte | lt | eq
	Value float64 `yaml:"value"`
	Ref   string  `yaml:"ref"` // name in effort.thresholds, overrides value
	Text  string  `yaml:"text"`
}

type ShiftRule struct {
	From   string      `yaml:"from"`
	To     string      `yaml:"to"`
	When   []Condition `yaml:"when"`
	Reason string      `yaml:"reason"`
}

type SkipRule struct {
	When   []Condition `yaml:"when"`
	Reason string      `yaml:"reason"`
}

// MatchRule adds Weight to a listing's match score when any needle appears
// in its title or description text.
type MatchRule struct {
	Any    []string `yaml:"any"`
	Weight float64  `yaml:"weight"`
	Tag    string   `yaml:"tag"`
}

// ListingSource is one page the intake pass collects application targets from.
type ListingSource struct {
	URL          string `yaml:"url"`
	Company      string `yaml:"company"`
	LinkSelector string `yaml:"link_selector"` // defaults to a[href]
}

type Delay struct {
	Kind     string  `yaml:"kind"` // uniform | normal | exponential
	MinMs    int     `yaml:"min_ms"`
	MaxMs    int     `yaml:"max_ms"`
	MeanMs   float64 `yaml:"mean_ms"`
	StdDevMs float64 `yaml:"stddev_ms"`
}

type DomainRules struct {
	MaxAppsPerDay     int   `yaml:"max_apps_per_day"`
	MinSecondsBetween int   `yaml:"min_seconds_between_apps"`
	MaxConcurrent     int   `yaml:"max_concurrent_apps"`
	Avoid             bool  `yaml:"avoid"`
	Keystroke         Delay `yaml:"keystroke"`
	InterAction       Delay `yaml:"inter_action"`
}

type Config struct {
	App struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"app"`

	Session struct {
		MaxApplications    int `yaml:"max_applications"`
		MaxDurationMinutes int `yaml:"max_duration_minutes"`
		Workers            int `yaml:"workers"`
	} `yaml:"session"`

	Retry struct {
		MaxAttempts        int `yaml:"max_attempts"`
		BackoffBaseMs      int `yaml:"backoff_base_ms"`
		TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	} `yaml:"retry"`

	Stealth struct {
		Global  DomainRules            `yaml:"global"`
		Domains map[string]DomainRules `yaml:"domains"`
	} `yaml:"stealth"`

	Effort struct {
		Thresholds     map[string]float64 `yaml:"thresholds"`
		UpgradeRules   []ShiftRule        `yaml:"upgrade_rules"`
		DowngradeRules []ShiftRule        `yaml:"downgrade_rules"`
		SkipRules      []SkipRule         `yaml:"skip_rules"`
	} `yaml:"effort"`

	Ingest struct {
		PerHostRPS float64         `yaml:"per_host_rps"`
		Burst      int             `yaml:"burst"`
		Parallel   int             `yaml:"parallel"`
		Sources    []ListingSource `yaml:"sources"`
	} `yaml:"ingest"`

	Match struct {
		BaseScore  float64             `yaml:"base_score"`
		TitleRules []MatchRule         `yaml:"title_rules"`
		Penalties  []MatchRule         `yaml:"penalties"`
		Tiers      map[string][]string `yaml:"tiers"` // tier name -> company names
	} `yaml:"match"`

	Email struct {
		Enabled          bool     `yaml:"enabled"`
		IMAPHost         string   `yaml:"imap_host"`
		IMAPPort         int      `yaml:"imap_port"`
		Username         string   `yaml:"username"`
		Mailbox          string   `yaml:"mailbox"`
		SearchSubjectAny []string `yaml:"search_subject_any"`
	} `yaml:"email"`

	Notify struct {
		TelegramEnabled bool   `yaml:"telegram_enabled"`
		TelegramChatID  string `yaml:"telegram_chat_id"`
	} `yaml:"notify"`
}

func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(b, &cfg)
	return cfg, err
}

// Defaults fills zero-valued budget/retry knobs so a sparse config still runs.
func Defaults(cfg Config) Config {
	out := cfg

	if out.Session.MaxApplications <= 0 {
		out.Session.MaxApplications = 200
	}
	if out.Session.MaxDurationMinutes <= 0 {
		out.Session.MaxDurationMinutes = 120
	}
	if out.Session.Workers <= 0 {
		out.Session.Workers = 5
	}

	if out.Retry.MaxAttempts <= 0 {
		out.Retry.MaxAttempts = 3
	}
	if out.Retry.BackoffBaseMs <= 0 {
		out.Retry.BackoffBaseMs = 1000
	}
	if out.Retry.TaskTimeoutSeconds <= 0 {
		out.Retry.TaskTimeoutSeconds = 300
	}

	if out.Stealth.Global.MaxAppsPerDay <= 0 {
		out.Stealth.Global.MaxAppsPerDay = 50
	}
	if out.Stealth.Global.MinSecondsBetween <= 0 {
		out.Stealth.Global.MinSecondsBetween = 30
	}
	if out.Stealth.Global.MaxConcurrent <= 0 {
		out.Stealth.Global.MaxConcurrent = 1
	}

	if out.Ingest.PerHostRPS <= 0 {
		out.Ingest.PerHostRPS = 0.5
	}
	if out.Ingest.Burst <= 0 {
		out.Ingest.Burst = 1
	}
	if out.Ingest.Parallel <= 0 {
		out.Ingest.Parallel = 4
	}
	if out.Match.BaseScore <= 0 {
		out.Match.BaseScore = 0.5
	}

	return out
}
