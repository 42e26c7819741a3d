package email

import (
	"fmt"
	"time"
)

type codeEmail struct {
	subject string
	heading string
	intro   string
	outro   string
}

var (
	verificationEmail = codeEmail{
		subject: "Verify your %s account",
		heading: "Verify your email",
		intro:   "Thanks for signing up for <strong>%s</strong>! Use the verification code below to complete your registration.",
		outro:   "If you didn't create an account, you can safely ignore this email.",
	}
	resetEmail = codeEmail{
		subject: "Reset your %s password",
		heading: "Reset your password",
		intro:   "We received a request to reset the password of your <strong>%s</strong> account. Use the code below to choose a new password.",
		outro:   "If you didn't request a password reset, you can ignore this email. Your password has not been changed.",
	}
)

// VerificationMessage builds the email carrying a registration code.
func VerificationMessage(to, code, appName string, ttl time.Duration) Message {
	return verificationEmail.render(to, code, appName, ttl)
}

// PasswordResetMessage builds the email carrying a password reset code.
func PasswordResetMessage(to, code, appName string, ttl time.Duration) Message {
	return resetEmail.render(to, code, appName, ttl)
}

func (e codeEmail) render(to, code, appName string, ttl time.Duration) Message {
	validity := formatTTL(ttl)
	intro := fmt.Sprintf(e.intro, appName)
	return Message{
		To:       to,
		Subject:  fmt.Sprintf(e.subject, appName),
		HTMLBody: codeHTML(e.heading, intro, code, validity, e.outro, appName),
		TextBody: codeText(e.heading, stripStrong(intro), code, validity, e.outro, appName),
	}
}

func codeHTML(heading, intro, code, validity, outro, appName string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>%s</title>
</head>
<body style="margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background-color:#f4f5f7;">
<table width="100%%" cellpadding="0" cellspacing="0" style="background-color:#f4f5f7;padding:40px 0;">
<tr><td align="center">
<table width="480" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;overflow:hidden;">
  <tr><td style="padding:32px 40px 24px;text-align:center;">
    <h1 style="margin:0;font-size:24px;color:#1a1a2e;">%s</h1>
  </td></tr>
  <tr><td style="padding:0 40px;">
    <p style="margin:0 0 24px;font-size:15px;color:#4a4a68;line-height:1.6;">%s</p>
  </td></tr>
  <tr><td style="padding:0 40px;text-align:center;">
    <div style="display:inline-block;background-color:#eef6ff;border:2px dashed #2f80ed;border-radius:8px;padding:16px 40px;margin:0 0 24px;">
      <span style="font-family:'Courier New',monospace;font-size:36px;font-weight:bold;letter-spacing:8px;color:#1a1a2e;">%s</span>
    </div>
  </td></tr>
  <tr><td style="padding:0 40px 32px;">
    <p style="margin:0;font-size:13px;color:#8888a0;line-height:1.5;">
      This code expires in <strong>%s</strong>. %s
    </p>
  </td></tr>
  <tr><td style="padding:16px 40px;background-color:#f9f9fc;border-top:1px solid #eeeef2;">
    <p style="margin:0;font-size:12px;color:#aaaabc;text-align:center;">
      &copy; %s &mdash; This is an automated message, please do not reply.
    </p>
  </td></tr>
</table>
</td></tr>
</table>
</body>
</html>`, heading, heading, intro, code, validity, outro, appName)
}

func codeText(heading, intro, code, validity, outro, appName string) string {
	return fmt.Sprintf(`%s

%s

Your code: %s

This code expires in %s. %s

- %s`, heading, intro, code, validity, outro, appName)
}

func formatTTL(ttl time.Duration) string {
	switch {
	case ttl >= time.Hour && ttl%time.Hour == 0:
		h := int(ttl / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	default:
		m := int(ttl / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
}

func stripStrong(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '<' {
			for i < len(s) && s[i] != '>' {
				i++
			}
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
