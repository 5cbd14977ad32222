package email

import (
	"bytes"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationAlert is the content of an operator alert
type ReconciliationAlert struct {
	OrderID   string
	BuyerID   string
	Status    string
	Total     decimal.Decimal
	Reason    string
	PaymentID string
	FlaggedAt time.Time
}

var alertHTML = htmltemplate.Must(htmltemplate.New("alert.html").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<div style="background: #b45309; padding: 20px; border-radius: 8px 8px 0 0;">
		<h1 style="color: white; margin: 0; font-size: 20px;">Order needs reconciliation</h1>
	</div>
	<div style="background: #fff; padding: 24px; border: 1px solid #eee; border-top: none; border-radius: 0 0 8px 8px;">
		<p style="margin-top: 0;">{{.Reason}}</p>
		<table style="width: 100%; border-collapse: collapse;">
			<tr><td style="padding: 8px; color: #666;">Order</td><td style="padding: 8px; font-family: monospace;">{{.OrderID}}</td></tr>
			<tr><td style="padding: 8px; color: #666;">Buyer</td><td style="padding: 8px;">{{.BuyerID}}</td></tr>
			<tr><td style="padding: 8px; color: #666;">Status</td><td style="padding: 8px;">{{.Status}}</td></tr>
			<tr><td style="padding: 8px; color: #666;">Total</td><td style="padding: 8px;">{{.Total.StringFixed 2}}</td></tr>
			{{- if .PaymentID}}
			<tr><td style="padding: 8px; color: #666;">Payment</td><td style="padding: 8px; font-family: monospace;">{{.PaymentID}}</td></tr>
			{{- end}}
			<tr><td style="padding: 8px; color: #666;">Flagged</td><td style="padding: 8px;">{{.FlaggedAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>
		</table>
	</div>
</body>
</html>
`))

var alertText = texttemplate.Must(texttemplate.New("alert.txt").Parse(`Order needs reconciliation: {{.Reason}}

Order:   {{.OrderID}}
Buyer:   {{.BuyerID}}
Status:  {{.Status}}
Total:   {{.Total.StringFixed 2}}
{{- if .PaymentID}}
Payment: {{.PaymentID}}
{{- end}}
Flagged: {{.FlaggedAt.Format "2006-01-02 15:04:05 MST"}}
`))

// BuildReconciliationAlertHTML renders the HTML body of an operator alert
func BuildReconciliationAlertHTML(a ReconciliationAlert) (string, error) {
	var buf bytes.Buffer
	if err := alertHTML.Execute(&buf, a); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildReconciliationAlertText renders the plain-text body of an operator alert
func BuildReconciliationAlertText(a ReconciliationAlert) (string, error) {
	var buf bytes.Buffer
	if err := alertText.Execute(&buf, a); err != nil {
		return "", err
	}
	return buf.String(), nil
}
