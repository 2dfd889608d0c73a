package tools

import "github.com/patrick-hofmann/koompl/internal/store"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content fed back to the LLM verbatim
	IsError bool   `json:"is_error"` // marks error
	Err     error  `json:"-"`        // internal error (not serialized)

	// Attachment is set by download-style tools; the decision engine
	// buffers it and attaches it to the final outbound message.
	Attachment *store.MailAttachment `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
