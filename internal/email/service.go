package email

import (
	"fmt"

	gomail "gopkg.in/gomail.v2"
)

// Sender delivers composed messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Service sends operator email over SMTP
type Service struct {
	sender Sender
	from   string
}

// NewService creates a service that dials host:port for every message
func NewService(host string, port int, username, password, from string) *Service {
	return NewServiceWithSender(gomail.NewDialer(host, port, username, password), from)
}

func NewServiceWithSender(sender Sender, from string) *Service {
	return &Service{sender: sender, from: from}
}

// SendReconciliationAlert tells an operator that an order needs manual review
func (s *Service) SendReconciliationAlert(to string, alert ReconciliationAlert) error {
	html, err := BuildReconciliationAlertHTML(alert)
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	plain, err := BuildReconciliationAlertText(alert)
	if err != nil {
		return fmt.Errorf("render plain: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", fmt.Sprintf("[reconciliation] order %s needs review", shortID(alert.OrderID)))
	m.SetBody("text/plain", plain)
	m.AddAlternative("text/html", html)
	return s.sender.DialAndSend(m)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
