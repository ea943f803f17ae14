// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package template renders message-scoped templates for the processor
// chain. Templates see the publishing client, topic, QoS, retain flag,
// the payload parsed as JSON when possible, the raw payload string and
// the message user properties.
package template

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"

	"github.com/axonmq/axonmq/storage"
)

const defaultDateFormat = "%Y-%m-%d %H:%M:%S UTC"

func init() {
	// pongo2 ships a built-in "date" filter, so it is replaced rather
	// than registered
	pongo2.ReplaceFilter("date", dateFilter)
}

// Template is a compiled message template.
type Template struct {
	tpl *pongo2.Template
}

// Parse compiles a template string.
func Parse(src string) (*Template, error) {
	tpl, err := pongo2.FromString(src)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: tpl}, nil
}

// Render evaluates the template against one message.
func (t *Template) Render(msg *storage.Message) (string, error) {
	return t.tpl.Execute(Context(msg))
}

// Context builds the render context for a message. The payload variable
// holds the parsed JSON document, or nil when the payload is not valid
// JSON.
func Context(msg *storage.Message) pongo2.Context {
	var payload any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		payload = nil
	}

	metadata := msg.UserProperties
	if metadata == nil {
		metadata = map[string]string{}
	}

	return pongo2.Context{
		"client_id":   msg.Origin,
		"topic":       msg.Topic,
		"qos":         int(msg.QoS),
		"retain":      msg.Retain,
		"payload":     payload,
		"raw_payload": pongo2.AsSafeValue(string(msg.Payload)),
		"metadata":    metadata,
		"now": func() int64 {
			return time.Now().UnixMilli()
		},
	}
}

// dateFilter formats milliseconds since the Unix epoch as a UTC
// timestamp using strftime directives.
func dateFilter(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	var ms int64
	switch {
	case in.IsInteger():
		ms = int64(in.Integer())
	case in.IsFloat():
		ms = int64(in.Float())
	case in.IsString():
		v, err := strconv.ParseInt(strings.TrimSpace(in.String()), 10, 64)
		if err != nil {
			return nil, &pongo2.Error{Sender: "filter:date", OrigError: err}
		}
		ms = v
	default:
		return pongo2.AsValue(""), nil
	}

	format := defaultDateFormat
	if param != nil && param.IsString() && param.String() != "" {
		format = param.String()
	}

	ts := time.UnixMilli(ms).UTC()
	return pongo2.AsValue(strftime(ts, format)), nil
}

// strftime expands the directive subset used by message templates.
func strftime(t time.Time, format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			b.WriteString(strconv.Itoa(t.Year()))
		case 'y':
			b.WriteString(pad2(t.Year() % 100))
		case 'm':
			b.WriteString(pad2(int(t.Month())))
		case 'd':
			b.WriteString(pad2(t.Day()))
		case 'H':
			b.WriteString(pad2(t.Hour()))
		case 'M':
			b.WriteString(pad2(t.Minute()))
		case 'S':
			b.WriteString(pad2(t.Second()))
		case 'j':
			b.WriteString(strconv.Itoa(t.YearDay()))
		case 's':
			b.WriteString(strconv.FormatInt(t.Unix(), 10))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// Truthy reports whether a rendered template result counts as true.
// Empty strings, "0", "false", "null", "none", "off" and "no" are false, as
// is any numeric string equal to zero.
func Truthy(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "", "0", "false", "null", "none", "off", "no":
		return false
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f != 0
	}
	return true
}
