package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/azure/mentions-sync/internal/config"
	"github.com/azure/mentions-sync/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Service sends trend alerts to Teams and email
type Service struct {
	config *config.Config
	client *resty.Client
	send   func(m *gomail.Message) error
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// TeamsMessage represents a Microsoft Teams message card
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewService creates a new notification service
func NewService(cfg *config.Config) *Service {
	s := &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
	}
	s.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
		return d.DialAndSend(m)
	}
	return s
}

// SendAlert delivers the alert on every configured channel. A failing channel does not
// prevent the others; the combined error is returned.
func (s *Service) SendAlert(alert *models.Alert) error {
	var errs []string

	if s.config.TeamsWebhookURL != "" {
		if err := s.sendToTeams(alert); err != nil {
			logrus.Errorf("Failed to send Teams alert: %v", err)
			errs = append(errs, fmt.Sprintf("Teams: %v", err))
		} else {
			logrus.WithField("tenant_id", alert.TenantID).Infof("Sent alert to Teams: %s", alert.Title)
		}
	}

	if s.config.NotificationEmail != "" {
		if err := s.sendEmail(alert); err != nil {
			logrus.Errorf("Failed to send email alert: %v", err)
			errs = append(errs, fmt.Sprintf("Email: %v", err))
		} else {
			logrus.WithField("tenant_id", alert.TenantID).Infof("Sent alert via email: %s", alert.Title)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *Service) sendToTeams(alert *models.Alert) error {
	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(buildTeamsMessage(alert)).
		Post(s.config.TeamsWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() != 200 {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func buildTeamsMessage(alert *models.Alert) *TeamsMessage {
	message := &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: "0078D4",
		Title:      alert.Title,
		Text:       alert.Message,
	}

	facts := []TeamsFact{
		{Name: "Tenant", Value: alert.TenantID},
		{Name: "Raised", Value: alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC")},
	}
	if t := alert.Topic; t != nil {
		facts = append(facts,
			TeamsFact{Name: "Topic", Value: t.Name},
			TeamsFact{Name: "Mentions (7 days)", Value: fmt.Sprintf("%d", t.MentionCount)},
		)
		if t.TrendChangePct != nil {
			facts = append(facts, TeamsFact{Name: "Change vs. baseline", Value: fmt.Sprintf("%+.2f%%", *t.TrendChangePct)})
		}
		if t.AvgSentiment != nil {
			facts = append(facts, TeamsFact{Name: "Avg. sentiment", Value: fmt.Sprintf("%.2f", *t.AvgSentiment)})
		}
	}

	message.Sections = append(message.Sections, TeamsSection{
		ActivityTitle: "Details",
		Facts:         facts,
		Markdown:      true,
	})
	return message
}

func (s *Service) sendEmail(alert *models.Alert) error {
	htmlBody, err := buildEmailHTML(alert)
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", alert.TenantID, alert.Title))
	m.SetBody("text/plain", buildEmailText(alert))
	m.AddAlternative("text/html", htmlBody)

	if err := s.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

var alertTemplate = template.Must(template.New("alert").Parse(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #0078d4; color: white; padding: 20px; border-radius: 5px; }
        .facts { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.Title}}</h1>
        <p>{{.CreatedAt.Format "January 2, 2006 at 3:04 PM UTC"}}</p>
    </div>
    <p>{{.Message}}</p>
    {{with .Topic}}
    <div class="facts">
        <p><strong>Topic:</strong> {{.Name}}</p>
        <p><strong>Mentions (7 days):</strong> {{.MentionCount}}</p>
    </div>
    {{end}}
    <hr>
    <p><small>Tenant {{.TenantID}}</small></p>
</body>
</html>
`))

func buildEmailHTML(alert *models.Alert) (string, error) {
	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, alert); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildEmailText(alert *models.Alert) string {
	var text strings.Builder

	text.WriteString(alert.Title + "\n")
	text.WriteString(fmt.Sprintf("Raised: %s\n\n", alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC")))
	text.WriteString(alert.Message + "\n")

	if t := alert.Topic; t != nil {
		text.WriteString(fmt.Sprintf("\nTopic: %s\n", t.Name))
		text.WriteString(fmt.Sprintf("Mentions (7 days): %d\n", t.MentionCount))
		if t.TrendChangePct != nil {
			text.WriteString(fmt.Sprintf("Change vs. baseline: %+.2f%%\n", *t.TrendChangePct))
		}
	}

	text.WriteString(fmt.Sprintf("\n---\nTenant %s\n", alert.TenantID))
	return text.String()
}
