package engine

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

// builtinResponse is the core's own minimal concrete Response, used only
// for the administrative shapes the core itself is responsible for at its own
// level: the OPTIONS * empty response, 501/405 rejections, the debug
// trace page, and the fallback error page. Anything else is produced by
// the application's RequestHandler/ErrorHandler.
type builtinResponse struct {
	status   int
	reason   string
	headers  []HeaderField
	body     []byte
	detached bool
}

func (r *builtinResponse) StatusCode() int             { return r.status }
func (r *builtinResponse) Reason() string              { return r.reason }
func (r *builtinResponse) HeaderFields() []HeaderField { return r.headers }
func (r *builtinResponse) Body() []byte                { return r.body }
func (r *builtinResponse) IsDetached() bool            { return r.detached }

// notImplementedResponse is returned for a method the core doesn't even
// recognize as an HTTP method token.
func notImplementedResponse(allow string) Response {
	return &builtinResponse{
		status:  501,
		reason:  "Not Implemented",
		headers: []HeaderField{{Name: "Allow", Value: allow}, {Name: "Content-Length", Value: "0"}},
	}
}

// methodNotAllowedResponse is returned for a recognized method the
// configured AllowedMethods excludes.
func methodNotAllowedResponse(allow string) Response {
	return &builtinResponse{
		status:  405,
		reason:  "Method Not Allowed",
		headers: []HeaderField{{Name: "Allow", Value: allow}, {Name: "Content-Length", Value: "0"}},
	}
}

// optionsAsteriskResponse answers "OPTIONS *" with an empty 200 + Allow.
func optionsAsteriskResponse(allow string) Response {
	return &builtinResponse{
		status:  200,
		reason:  "OK",
		headers: []HeaderField{{Name: "Allow", Value: allow}, {Name: "Content-Length", Value: "0"}},
	}
}

const debugTracePageTemplate = `<!DOCTYPE html>
<html><head><title>{{code}} {{reason}}</title></head>
<body>
<h1>{{code}} {{reason}}</h1>
<table>
<tr><th>URI</th><td>{{uri}}</td></tr>
<tr><th>Class</th><td>{{class}}</td></tr>
<tr><th>Message</th><td>{{message}}</td></tr>
<tr><th>File</th><td>{{file}}</td></tr>
<tr><th>Line</th><td>{{line}}</td></tr>
</table>
<pre>{{trace}}</pre>
</body></html>
`

const fallbackErrorPageTemplate = `<!DOCTYPE html>
<html><head><title>{{code}} {{reason}}</title></head>
<body><h1>{{code}} {{reason}}</h1></body></html>
`

// debugTracePage renders the debug-mode exception page (the
// 4 / §6 "Built-in response shapes"). Every substitution is HTML-escaped.
func debugTracePage(status int, reason, uri, class, message, file string, line int, trace string) []byte {
	out := debugTracePageTemplate
	out = substitute(out, "{{code}}", strconv.Itoa(status))
	out = substitute(out, "{{reason}}", reason)
	out = substitute(out, "{{uri}}", uri)
	out = substitute(out, "{{class}}", class)
	out = substitute(out, "{{message}}", message)
	out = substitute(out, "{{file}}", file)
	out = substitute(out, "{{line}}", strconv.Itoa(line))
	out = substitute(out, "{{trace}}", trace)
	return []byte(out)
}

// fallbackErrorPage renders the minimal {code, reason}-only page used
// when even the ErrorHandler fails.
func fallbackErrorPage(status int, reason string) []byte {
	out := fallbackErrorPageTemplate
	out = substitute(out, "{{code}}", strconv.Itoa(status))
	out = substitute(out, "{{reason}}", reason)
	return []byte(out)
}

// substitute replaces one {{placeholder}} with an HTML-escaped value; no
// templating engine is warranted for a handful of fixed tokens (
// §9 Design Notes: "a simple placeholder-substitution function with HTML
// escaping; no templating engine needed").
func substitute(template, placeholder, value string) string {
	return strings.ReplaceAll(template, placeholder, html.EscapeString(value))
}

func exceptionBodyFields(err error) (class, message string) {
	return fmt.Sprintf("%T", err), err.Error()
}
