package models

// TelegramConfig stores the bot credentials and basic settings
type TelegramConfig struct {
	IsEnabled bool   `json:"is_enabled"`
	BotToken  string `json:"bot_token"`
	ChatID    string `json:"chat_id"`
	APIURL    string `json:"api_url"`
}

// TelegramFilters decides which finished jobs are reported
type TelegramFilters struct {
	// Report only jobs that failed or left units without a forecast
	FailuresOnly bool `json:"failures_only"`

	// Authorities to report on; empty means all, including all-authority runs
	Authorities []string `json:"authorities"`
}

// IsJobAllowed checks if a finished job matches the filter criteria
func (f *TelegramFilters) IsJobAllowed(job *TrainingJob) bool {
	if f == nil {
		return true // No filters means allow all
	}

	if f.FailuresOnly && job.Status != JobStatusFailed && len(job.Failures) == 0 {
		return false
	}

	if len(f.Authorities) > 0 && job.LocalAuthority != "" {
		for _, authority := range f.Authorities {
			if authority == job.LocalAuthority {
				return true
			}
		}
		return false
	}

	return true
}
