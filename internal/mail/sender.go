package mail

type Message struct {
	From     string
	To       []string
	Cc       []string
	Subject  string
	Body     string
	IsHTML   bool
	Priority bool
}

type MailSender interface {
	Send(message *Message) error
}
