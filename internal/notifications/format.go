package notifications

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/albapepper/slotwatch/internal/domain"
)

// alertContent is everything needed to render one notification.
type alertContent struct {
	SubscriptionID string
	Center         domain.TestCenter
	TestType       domain.TestType
	Slots          []domain.SlotObservation // ordered by date then time
	BookingURL     string
}

func (c alertContent) centerName() string {
	if c.Center.Name != "" {
		return c.Center.Name
	}
	return "test centre " + strconv.FormatInt(c.Center.ID, 10)
}

func (c alertContent) slotIDs() []int64 {
	ids := make([]int64, len(c.Slots))
	for i, s := range c.Slots {
		ids[i] = s.ID
	}
	return ids
}

// humanDate renders 2025-01-21 as "Tue 21 Jan". Unparseable input is
// returned unchanged.
func humanDate(date string) string {
	t, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format("Mon 2 Jan")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// pushMessage builds the push title and body: slot count, center and the
// earliest slot.
func pushMessage(token string, c alertContent) PushMessage {
	n := len(c.Slots)
	title := fmt.Sprintf("%d %s %s available", n, c.TestType, plural(n, "test slot", "test slots"))
	body := c.centerName()
	if n > 0 {
		first := c.Slots[0]
		body = fmt.Sprintf("%s: earliest %s at %s", c.centerName(), humanDate(first.Date), first.Time)
	}
	return PushMessage{
		To:       token,
		Title:    title,
		Body:     body,
		Sound:    "default",
		Priority: "high",
		Data: map[string]any{
			"type":            "slot_alert",
			"subscription_id": c.SubscriptionID,
			"center_id":       c.Center.ID,
			"slot_ids":        c.slotIDs(),
		},
	}
}

type emailRow struct {
	Date string
	Time string
}

type emailData struct {
	Count      int
	TestType   domain.TestType
	Center     string
	Address    string
	Rows       []emailRow
	BookingURL string
}

var emailHTML = htmltemplate.Must(htmltemplate.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #0b0c0c;">
<h2>{{.Count}} new {{.TestType}} test slot{{if ne .Count 1}}s{{end}} at {{.Center}}</h2>
{{if .Address}}<p>{{.Address}}</p>{{end}}
<table cellpadding="6" style="border-collapse: collapse;">
<tr><th align="left">Date</th><th align="left">Time</th></tr>
{{range .Rows}}<tr><td>{{.Date}}</td><td>{{.Time}}</td></tr>
{{end}}</table>
<p><a href="{{.BookingURL}}" style="background: #00703c; color: #fff; padding: 10px 16px; text-decoration: none;">Book now</a></p>
<p style="font-size: 12px; color: #505a5f;">Slots go quickly. They may already be taken by the time you try to book.</p>
</body>
</html>
`))

var emailText = texttemplate.Must(texttemplate.New("email").Parse(`{{.Count}} new {{.TestType}} test slot{{if ne .Count 1}}s{{end}} at {{.Center}}
{{if .Address}}{{.Address}}
{{end}}
{{range .Rows}}- {{.Date}} at {{.Time}}
{{end}}
Book now: {{.BookingURL}}

Slots go quickly. They may already be taken by the time you try to book.
`))

// emailMessage renders the HTML and plain-text bodies for to.
func emailMessage(to string, c alertContent) (EmailMessage, error) {
	data := emailData{
		Count:      len(c.Slots),
		TestType:   c.TestType,
		Center:     c.centerName(),
		Address:    strings.TrimSpace(strings.Join(nonEmpty(c.Center.Address, c.Center.City, c.Center.Postcode), ", ")),
		BookingURL: c.BookingURL,
	}
	for _, s := range c.Slots {
		data.Rows = append(data.Rows, emailRow{Date: humanDate(s.Date), Time: s.Time})
	}

	var html, text bytes.Buffer
	if err := emailHTML.Execute(&html, data); err != nil {
		return EmailMessage{}, fmt.Errorf("render email html: %w", err)
	}
	if err := emailText.Execute(&text, data); err != nil {
		return EmailMessage{}, fmt.Errorf("render email text: %w", err)
	}
	return EmailMessage{
		To:      to,
		Subject: fmt.Sprintf("%d new %s test %s at %s", data.Count, c.TestType, plural(data.Count, "slot", "slots"), data.Center),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
