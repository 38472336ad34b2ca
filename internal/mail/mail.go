package mail

import (
	"errors"
	"fmt"
	"strings"

	"coursechat/internal/config"
	"coursechat/pkg/interfaces"
)

var (
	ErrNoRecipient     = errors.New("mail recipient is required")
	ErrUnknownProvider = errors.New("unknown mail provider")
	ErrDeliveryFailed  = errors.New("mail delivery failed")
)

// subjectPrefix tags every outbound subject with the product name
func subjectPrefix(fromName string) string {
	if fromName == "" {
		return ""
	}
	return "[" + fromName + "] "
}

func checkRecipient(to string) error {
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}
	return nil
}

// New builds the mailer selected by config
func New(cfg *config.MailConfig) (interfaces.Mailer, error) {
	switch cfg.Provider {
	case "", "console":
		return NewConsoleMailer(nil, cfg.FromName, cfg.FromAddress), nil
	case "sendgrid":
		return NewSendGridMailer(cfg.SendGridAPIKey, cfg.FromName, cfg.FromAddress), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
