package telegram

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"valuation/server/config"
	"valuation/server/internal/models"
)

// maxListedFailures caps the failed units quoted in one message
const maxListedFailures = 10

type Service struct {
	logger  *logrus.Logger
	client  *http.Client
	config  *models.TelegramConfig
	filters *models.TelegramFilters
}

func NewService(logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Service{
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		config: &models.TelegramConfig{},
	}
}

// NewServiceFromConfig builds a service from the environment configuration
func NewServiceFromConfig(cfg *config.Config, logger *logrus.Logger) *Service {
	s := NewService(logger)
	s.UpdateConfig(&models.TelegramConfig{
		IsEnabled: cfg.Telegram.Enabled,
		BotToken:  cfg.Telegram.BotToken,
		ChatID:    cfg.Telegram.ChatID,
		APIURL:    cfg.Telegram.APIURL,
	})
	s.UpdateFilters(&models.TelegramFilters{
		FailuresOnly: cfg.Telegram.FailuresOnly,
		Authorities:  cfg.Telegram.Authorities,
	})
	return s
}

func (s *Service) UpdateConfig(config *models.TelegramConfig) {
	s.config = config
}

func (s *Service) UpdateFilters(filters *models.TelegramFilters) {
	s.filters = filters
}

// SendMessage sends a message to the configured Telegram chat
func (s *Service) SendMessage(message string) error {
	if !s.config.IsEnabled {
		return nil
	}

	if s.config.BotToken == "" {
		return errors.New("Telegram bot token is not configured")
	}

	if s.config.ChatID == "" {
		return errors.New("Telegram chat ID is not configured")
	}

	apiURL := strings.TrimRight(s.config.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", apiURL, s.config.BotToken)
	payload := map[string]interface{}{
		"chat_id":    s.config.ChatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send message to Telegram API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return errors.New("invalid bot token - please check your token from @BotFather")
		case http.StatusBadRequest:
			return fmt.Errorf("invalid chat ID or message format: %s", string(body))
		case http.StatusForbidden:
			return errors.New("bot was blocked by the user or chat")
		case http.StatusNotFound:
			return errors.New("bot not found - please check your token from @BotFather")
		default:
			return fmt.Errorf("Telegram API error (status %d): %s", resp.StatusCode, string(body))
		}
	}

	return nil
}

// NotifyTrainingReport sends a summary of a finished training job
func (s *Service) NotifyTrainingReport(job *models.TrainingJob) error {
	if !s.config.IsEnabled {
		return nil
	}

	if !s.filters.IsJobAllowed(job) {
		s.logger.WithField("job_id", job.ID).Debug("Training report filtered out")
		return nil
	}

	return s.SendMessage(formatReport(job))
}

func formatReport(job *models.TrainingJob) string {
	scope := job.LocalAuthority
	if scope == "" {
		scope = "all authorities"
	}

	var b strings.Builder
	if job.Status == models.JobStatusFailed {
		b.WriteString("<b>❌ Training run failed</b>\n\n")
	} else {
		b.WriteString("<b>✅ Training run completed</b>\n\n")
	}
	fmt.Fprintf(&b, "📍 %s\n", html.EscapeString(scope))
	fmt.Fprintf(&b, "📈 Forecasts: %d\n", job.Forecasts)
	fmt.Fprintf(&b, "⚠️ Failed units: %d\n", len(job.Failures))
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Fprintf(&b, "⏱️ Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
	}
	if job.Error != "" {
		fmt.Fprintf(&b, "\n<code>%s</code>\n", html.EscapeString(job.Error))
	}

	for i, failure := range job.Failures {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "… and %d more\n", len(job.Failures)-maxListedFailures)
			break
		}
		if i == 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "• %s\n", html.EscapeString(failure))
	}

	fmt.Fprintf(&b, "\n🆔 %s", job.ID)
	return b.String()
}
