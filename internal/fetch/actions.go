package fetch

import (
	"fmt"
	"time"
)

// ActionType enumerates the scripted page interaction steps.
type ActionType string

// Supported page action types.
const (
	ActionWait            ActionType = "wait"
	ActionClick           ActionType = "click"
	ActionFill            ActionType = "type"
	ActionSelect          ActionType = "select"
	ActionPress           ActionType = "press"
	ActionHover           ActionType = "hover"
	ActionScroll          ActionType = "scroll"
	ActionWaitForSelector ActionType = "wait_for_selector"
	ActionScreenshot      ActionType = "screenshot"
)

// PageAction is one step of a scripted interaction, executed sequentially
// by the browser pipeline before content is read.
type PageAction struct {
	Type ActionType `json:"type"`

	// Selector targets click, type, select, hover, scroll-to and
	// wait_for_selector steps.
	Selector string `json:"selector,omitempty"`

	// Value holds the text to type, option to select, or key to press.
	Value string `json:"value,omitempty"`

	// Duration bounds wait and wait_for_selector steps. Zero means the
	// pipeline default.
	Duration time.Duration `json:"duration,omitempty"`

	// FullPage extends a screenshot step to the full scroll height.
	FullPage bool `json:"full_page,omitempty"`
}

// Validate rejects steps that cannot be dispatched.
func (a PageAction) Validate() error {
	switch a.Type {
	case ActionWait, ActionScreenshot:
		return nil
	case ActionScroll:
		return nil
	case ActionClick, ActionHover, ActionWaitForSelector:
		if a.Selector == "" {
			return fmt.Errorf("action %q requires a selector", a.Type)
		}
		return nil
	case ActionFill, ActionSelect:
		if a.Selector == "" {
			return fmt.Errorf("action %q requires a selector", a.Type)
		}
		if a.Value == "" {
			return fmt.Errorf("action %q requires a value", a.Type)
		}
		return nil
	case ActionPress:
		if a.Value == "" {
			return fmt.Errorf("action %q requires a key value", a.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}
