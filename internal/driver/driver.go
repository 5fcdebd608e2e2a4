package driver

import (
	"context"
	"fmt"
)

// ActionKind identifies a browser-level action
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionFill     ActionKind = "fill"
	ActionClick    ActionKind = "click"
	ActionUpload   ActionKind = "upload"
	ActionSubmit   ActionKind = "submit"
)

// Action is one browser-level step produced by a strategy
type Action struct {
	Kind     ActionKind
	Field    string // logical field name, recorded in the fill log
	Selector string
	Value    string
	URL      string
	FilePath string
}

// PageState is the observed state of the page after an action
type PageState struct {
	URL   string
	Title string
	HTML  string
}

// Driver abstracts the ability to perform browser-level actions. All
// operations block until the browser responds or ctx is done.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Upload(ctx context.Context, selector, path string) error
	Evaluate(ctx context.Context, script string) (string, error)
	PageState(ctx context.Context) (*PageState, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Perform executes a single action against d. Submit actions are clicks on
// the submit control; the distinction matters to the caller, not here.
func Perform(ctx context.Context, d Driver, action Action) error {
	switch action.Kind {
	case ActionNavigate:
		return d.Navigate(ctx, action.URL)
	case ActionFill:
		return d.Fill(ctx, action.Selector, action.Value)
	case ActionClick, ActionSubmit:
		return d.Click(ctx, action.Selector)
	case ActionUpload:
		return d.Upload(ctx, action.Selector, action.FilePath)
	}
	return fmt.Errorf("unknown action kind %q", action.Kind)
}
