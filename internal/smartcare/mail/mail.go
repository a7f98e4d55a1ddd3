// Package mail sends a recommendation to the user's mailbox.
package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	netmail "net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/blueplan/smartcare-go/internal/smartcare/config"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
)

// 用户可见的状态文字
const (
	MsgSent           = "郵件已成功發送"
	MsgNoSender       = "郵件設定錯誤：寄件者郵箱未設置"
	MsgNoPassword     = "郵件設定錯誤：寄件者密碼未設置"
	MsgInvalidAddress = "請輸入有效的電子郵件地址"
	MsgAuthFailed     = "郵件發送失敗: SMTP 認證錯誤，請檢查郵箱設定"
	msgSendFailed     = "郵件發送失敗: "
)

var (
	ErrConfig    = errors.New("mail: sender not configured")
	ErrAddress   = errors.New("mail: invalid recipient address")
	ErrAuth      = errors.New("mail: smtp authentication failed")
	ErrTransport = errors.New("mail: smtp transport failed")
)

// Status is the outcome shown next to the send button. Err is for logs and tests only.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Sender delivers a message. It never panics and reports every failure through Status.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) Status
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender submits through an SMTP relay with STARTTLS and PLAIN auth.
type SMTPSender struct {
	host       string
	port       int
	sender     string
	password   string
	disclaimer string
	logger     *logx.Logger
	send       sendFunc
}

func NewSMTPSender(cfg config.MailConfig, logger *logx.Logger) *SMTPSender {
	return &SMTPSender{
		host:       cfg.SMTPHost,
		port:       cfg.SMTPPort,
		sender:     cfg.Sender,
		password:   cfg.Password,
		disclaimer: cfg.Disclaimer,
		logger:     logger,
		send:       smtp.SendMail,
	}
}

// Enabled reports whether credentials are present.
func (s *SMTPSender) Enabled() bool { return s.sender != "" && s.password != "" }

func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) Status {
	if s.sender == "" {
		s.logger.Error(ctx, "EMAIL_SENDER 環境變數未設置")
		return Status{Message: MsgNoSender, Err: ErrConfig}
	}
	if s.password == "" {
		s.logger.Error(ctx, "EMAIL_PASSWORD 環境變數未設置")
		return Status{Message: MsgNoPassword, Err: ErrConfig}
	}
	rcpt, err := netmail.ParseAddress(strings.TrimSpace(to))
	if err != nil {
		return Status{Message: MsgInvalidAddress, Err: fmt.Errorf("%w: %v", ErrAddress, err)}
	}

	msg := buildMessage(s.sender, rcpt.Address, subject, body+s.disclaimer, time.Now())
	addr := s.host + ":" + strconv.Itoa(s.port)
	auth := smtp.PlainAuth("", s.sender, s.password, s.host)

	s.logger.Info(ctx, "嘗試發送郵件", logx.KV("sender", s.sender), logx.KV("to", rcpt.Address))

	// net/smtp has no context support; an abandoned send finishes in the background
	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, s.sender, []string{rcpt.Address}, msg) }()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-done:
	}
	if err != nil {
		return s.failure(ctx, err)
	}
	s.logger.Info(ctx, "成功發送郵件", logx.KV("to", rcpt.Address))
	return Status{OK: true, Message: MsgSent}
}

func (s *SMTPSender) failure(ctx context.Context, err error) Status {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code == 535 {
		s.logger.Error(ctx, "SMTP 認證錯誤", logx.KV("error", err))
		return Status{Message: MsgAuthFailed, Err: fmt.Errorf("%w: %v", ErrAuth, err)}
	}
	s.logger.Error(ctx, "SMTP 錯誤", logx.KV("error", err))
	return Status{Message: msgSendFailed + err.Error(), Err: fmt.Errorf("%w: %v", ErrTransport, err)}
}

// buildMessage renders a single-part UTF-8 message with an encoded subject and base64 body.
func buildMessage(from, to, subject, body string, date time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.BEncoding.Encode("UTF-8", subject) + "\r\n")
	b.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString("\r\n")

	enc := base64.StdEncoding.EncodeToString([]byte(body))
	for len(enc) > 76 {
		b.WriteString(enc[:76] + "\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc + "\r\n")
	return []byte(b.String())
}
