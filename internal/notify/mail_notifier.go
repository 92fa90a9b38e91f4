package notify

import (
	"context"

	"github.com/khanghh/kguard/internal/mail"
	"github.com/khanghh/kguard/model"
)

type MailNotifier struct {
	sender     mail.MailSender
	recipients []string
}

func (n *MailNotifier) Name() string {
	return "email"
}

func (n *MailNotifier) Deliver(ctx context.Context, alert *model.SecurityAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mail.SendAlert(n.sender, n.recipients, alert)
}

func NewMailNotifier(sender mail.MailSender, recipients []string) *MailNotifier {
	return &MailNotifier{
		sender:     sender,
		recipients: recipients,
	}
}
