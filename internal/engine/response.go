package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Block is one content item of a Response.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Response is the single terminal value of every call path.
type Response struct {
	Content []Block `json:"content"`
	IsError bool    `json:"isError,omitempty"`
}

// Text joins the text of all blocks with newlines.
func (r Response) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, b := range r.Content {
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n")
}

// Success is a successful text response.
func Success(text string) Response {
	return Response{Content: []Block{{Type: "text", Text: text}}}
}

// SuccessJSON marshals v with two-space indentation into a successful
// response. Marshal failures become error responses.
func SuccessJSON(v any) Response {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResponse("failed to encode result: " + err.Error())
	}
	return Success(string(raw))
}

// ErrorResponse is a failed text response.
func ErrorResponse(text string) Response {
	return Response{Content: []Block{{Type: "text", Text: text}}, IsError: true}
}

// Errorf is ErrorResponse with formatting.
func Errorf(format string, args ...any) Response {
	return ErrorResponse(fmt.Sprintf(format, args...))
}

// CodedError is implemented by domain errors that carry a stable code the
// calling model can react to. Handlers returning one get a tool_error
// response instead of plain text.
type CodedError interface {
	error
	ErrorCode() string
}

// RecoverableError is a CodedError with recovery hints.
type RecoverableError struct {
	Code             string
	Message          string
	Suggestion       string
	AvailableActions []string
}

func (e *RecoverableError) Error() string     { return e.Code + ": " + e.Message }
func (e *RecoverableError) ErrorCode() string { return e.Code }

// ToolErrorOptions carries the optional parts of a tool error.
type ToolErrorOptions struct {
	Message          string
	Suggestion       string
	AvailableActions []string
}

var xmlText = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// ToolError renders a self-healing error the model can parse:
//
//	<tool_error code="CODE">
//	<message>...</message>
//	<recovery>...</recovery>
//	<available_actions>a, b</available_actions>
//	</tool_error>
func ToolError(code string, opts ToolErrorOptions) Response {
	var b strings.Builder
	fmt.Fprintf(&b, "<tool_error code=%q>\n", code)
	fmt.Fprintf(&b, "<message>%s</message>\n", xmlText.Replace(opts.Message))
	if opts.Suggestion != "" {
		fmt.Fprintf(&b, "<recovery>%s</recovery>\n", xmlText.Replace(opts.Suggestion))
	}
	if len(opts.AvailableActions) > 0 {
		fmt.Fprintf(&b, "<available_actions>%s</available_actions>\n", xmlText.Replace(strings.Join(opts.AvailableActions, ", ")))
	}
	b.WriteString("</tool_error>")
	return ErrorResponse(b.String())
}

// ErrorCode extracts the code of a tool_error response, or "".
func (r Response) ErrorCode() string {
	if !r.IsError || len(r.Content) == 0 {
		return ""
	}
	const open = `<tool_error code="`
	text := r.Content[0].Text
	if !strings.HasPrefix(text, open) {
		return ""
	}
	rest := text[len(open):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}
