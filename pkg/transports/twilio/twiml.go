package twilio

import (
	"sort"
	"strings"
)

// Stream parameters carried from the voice webhook to the media stream.
const (
	ParamTenantID = "tenantId"
	ParamFrom     = "from"
	ParamTo       = "to"
)

func buildStreamTwiml(wsURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<Response><Connect><Stream url="`)
	b.WriteString(xmlEscape(wsURL))
	b.WriteString(`">`)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if params[k] == "" {
			continue
		}
		b.WriteString(`<Parameter name="`)
		b.WriteString(xmlEscape(k))
		b.WriteString(`" value="`)
		b.WriteString(xmlEscape(params[k]))
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

func buildRejectTwiml(text string) string {
	return `<Response><Say>` + xmlEscape(text) + `</Say><Hangup/></Response>`
}

func buildDialTwiml(phone string) string {
	return `<Response><Dial>` + xmlEscape(phone) + `</Dial></Response>`
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
